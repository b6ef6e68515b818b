package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryCfgValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DiscoveryCfg
		wantErr bool
	}{
		{"disabled skips checks", DiscoveryCfg{Enabled: false}, false},
		{"valid", DiscoveryCfg{Enabled: true, ServiceName: "vox", AdvertiseAddr: "10.0.0.1", AdvertisePort: 9987, TTLSeconds: 10}, false},
		{"missing service name", DiscoveryCfg{Enabled: true, AdvertiseAddr: "10.0.0.1", AdvertisePort: 9987, TTLSeconds: 10}, true},
		{"missing addr", DiscoveryCfg{Enabled: true, ServiceName: "vox", AdvertisePort: 9987, TTLSeconds: 10}, true},
		{"bad port", DiscoveryCfg{Enabled: true, ServiceName: "vox", AdvertiseAddr: "10.0.0.1", AdvertisePort: 70000, TTLSeconds: 10}, true},
		{"zero ttl", DiscoveryCfg{Enabled: true, ServiceName: "vox", AdvertiseAddr: "10.0.0.1", AdvertisePort: 9987}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisabledRegistrarIsNoOp(t *testing.T) {
	r, err := NewRegistrar(&DiscoveryCfg{Enabled: false}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(context.Background()))
	r.Deregister()
}

func TestServiceIDDerivation(t *testing.T) {
	r, err := NewRegistrar(&DiscoveryCfg{
		Enabled:       true,
		ServiceName:   "vox",
		AdvertiseAddr: "10.0.0.1",
		AdvertisePort: 9987,
		TTLSeconds:    10,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "vox-10.0.0.1-9987", r.serviceID())
	assert.Equal(t, "service:vox-10.0.0.1-9987", r.checkID())

	r2, err := NewRegistrar(&DiscoveryCfg{
		Enabled:       true,
		ServiceName:   "vox",
		ServiceID:     "vox-custom",
		AdvertiseAddr: "10.0.0.1",
		AdvertisePort: 9987,
		TTLSeconds:    10,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "vox-custom", r2.serviceID())
}
