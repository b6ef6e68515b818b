// Package mongo provides the MongoDB-backed provider plugin implementation.
package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lcx/vox/log"
	"github.com/lcx/vox/msg"
	"github.com/lcx/vox/provider"
)

const (
	usersCollection       = "users"
	channelsCollection    = "channels"
	permissionsCollection = "permissions"
	countersCollection    = "counters"
)

// Cfg contains the connection settings for the mongo provider backend.
type Cfg struct {
	Tag              string `mapstructure:"tag"`
	URI              string `mapstructure:"uri"`
	Database         string `mapstructure:"database"`
	ConnectTimeoutMS int    `mapstructure:"connectTimeoutMS"`

	// DefaultChannelName names the default channel created when the channel
	// collection is empty.
	DefaultChannelName string `mapstructure:"defaultChannelName"`
}

// Backend serves users, channels and permissions from a mongo database.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database

	users    *userStore
	channels *channelStore
	perms    *permissionStore

	cancel context.CancelFunc
}

// Open connects to mongo and builds the backend.
func Open(cfg *Cfg) (*Backend, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo provider: uri is empty")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo provider: database is empty")
	}
	timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("voxd"))
	if err != nil {
		return nil, fmt.Errorf("mongo provider: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo provider: ping: %w", err)
	}

	db := client.Database(cfg.Database)
	defaultName := cfg.DefaultChannelName
	if defaultName == "" {
		defaultName = "Lobby"
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	b := &Backend{
		client:   client,
		db:       db,
		users:    &userStore{col: db.Collection(usersCollection)},
		channels: &channelStore{db: db, defaultName: defaultName},
		perms:    &permissionStore{col: db.Collection(permissionsCollection)},
		cancel:   watchCancel,
	}
	b.channels.startWatch(watchCtx)
	b.perms.startWatch(watchCtx)
	return b, nil
}

func (b *Backend) FactoryName() string { return "mongo" }

func (b *Backend) Users() provider.UserProvider { return b.users }

func (b *Backend) Channels() provider.ChannelProvider { return b.channels }

func (b *Backend) Permissions() provider.PermissionProvider { return b.perms }

// Close tears down the change-stream watchers and the client.
func (b *Backend) Close(ctx context.Context) error {
	b.cancel()
	return b.client.Disconnect(ctx)
}

// nextSeq atomically increments a named counter document and returns the
// new value. Ids allocated this way are never reused.
func nextSeq(ctx context.Context, db *mongo.Database, name string) (uint32, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongo provider: next %s id: %w", name, err)
	}
	return uint32(doc.Seq), nil
}

// hashPassword is the at-rest form of user passwords.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

type userDoc struct {
	UserID       uint32 `bson:"user_id"`
	Username     string `bson:"username"`
	PasswordHash string `bson:"password_hash"`
}

type userStore struct {
	col *mongo.Collection
}

func (s *userStore) Exists(ctx context.Context, username string) (bool, error) {
	err := s.col.FindOne(ctx, bson.M{"username": username}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongo provider: find user: %w", err)
	}
	return true, nil
}

func (s *userStore) Login(ctx context.Context, username, password string) (uint32, msg.LoginOutcome, error) {
	var doc userDoc
	err := s.col.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, msg.LoginFailedCredentials, nil
	}
	if err != nil {
		return 0, msg.LoginFailedCredentials, fmt.Errorf("mongo provider: find user: %w", err)
	}
	if doc.PasswordHash != hashPassword(password) {
		return 0, msg.LoginFailedCredentials, nil
	}
	return doc.UserID, msg.LoginSucceeded, nil
}

type channelDoc struct {
	ChannelID   uint32 `bson:"channel_id"`
	Name        string `bson:"name"`
	Description string `bson:"description"`
	ParentID    uint32 `bson:"parent_id"`
	ReadOnly    bool   `bson:"read_only"`
	UserLimit   uint16 `bson:"user_limit"`
	IsDefault   bool   `bson:"is_default"`
}

func docFromChannel(ch msg.ChannelInfo) channelDoc {
	return channelDoc{
		ChannelID:   ch.ID,
		Name:        ch.Name,
		Description: ch.Description,
		ParentID:    ch.ParentID,
		ReadOnly:    ch.ReadOnly,
		UserLimit:   ch.UserLimit,
		IsDefault:   ch.IsDefault,
	}
}

func (d channelDoc) channel() msg.ChannelInfo {
	return msg.ChannelInfo{
		ID:          d.ChannelID,
		Name:        d.Name,
		Description: d.Description,
		ParentID:    d.ParentID,
		ReadOnly:    d.ReadOnly,
		UserLimit:   d.UserLimit,
		IsDefault:   d.IsDefault,
	}
}

type channelStore struct {
	db          *mongo.Database
	defaultName string
	onUpdate    func()
}

func (s *channelStore) col() *mongo.Collection {
	return s.db.Collection(channelsCollection)
}

func (s *channelStore) Channels(ctx context.Context) ([]msg.ChannelInfo, error) {
	if _, err := s.ensureDefault(ctx); err != nil {
		return nil, err
	}
	cur, err := s.col().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongo provider: list channels: %w", err)
	}
	defer cur.Close(ctx)

	var out []msg.ChannelInfo
	for cur.Next(ctx) {
		var doc channelDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo provider: decode channel: %w", err)
		}
		out = append(out, doc.channel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo provider: list channels: %w", err)
	}
	return out, nil
}

func (s *channelStore) DefaultChannel(ctx context.Context) (msg.ChannelInfo, error) {
	return s.ensureDefault(ctx)
}

// ensureDefault returns the default channel, creating it when the store has
// none.
func (s *channelStore) ensureDefault(ctx context.Context) (msg.ChannelInfo, error) {
	var doc channelDoc
	err := s.col().FindOne(ctx, bson.M{"is_default": true}).Decode(&doc)
	if err == nil {
		return doc.channel(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return msg.ChannelInfo{}, fmt.Errorf("mongo provider: find default channel: %w", err)
	}

	id, err := nextSeq(ctx, s.db, "channel")
	if err != nil {
		return msg.ChannelInfo{}, err
	}
	def := msg.ChannelInfo{ID: id, Name: s.defaultName, IsDefault: true}
	if _, err := s.col().InsertOne(ctx, docFromChannel(def)); err != nil {
		return msg.ChannelInfo{}, fmt.Errorf("mongo provider: create default channel: %w", err)
	}
	return def, nil
}

func (s *channelStore) SupportsUpdates() bool { return true }

func (s *channelStore) Save(ctx context.Context, ch msg.ChannelInfo) (uint32, error) {
	if ch.ID == 0 {
		id, err := nextSeq(ctx, s.db, "channel")
		if err != nil {
			return 0, err
		}
		ch.ID = id
		if _, err := s.col().InsertOne(ctx, docFromChannel(ch)); err != nil {
			return 0, fmt.Errorf("mongo provider: insert channel: %w", err)
		}
		return ch.ID, nil
	}

	res, err := s.col().ReplaceOne(ctx, bson.M{"channel_id": ch.ID}, docFromChannel(ch))
	if err != nil {
		return 0, fmt.Errorf("mongo provider: update channel: %w", err)
	}
	if res.MatchedCount == 0 {
		return 0, provider.ErrUnknownChannel
	}
	return ch.ID, nil
}

func (s *channelStore) Delete(ctx context.Context, channelID uint32) error {
	var doc channelDoc
	err := s.col().FindOne(ctx, bson.M{"channel_id": channelID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return provider.ErrUnknownChannel
	}
	if err != nil {
		return fmt.Errorf("mongo provider: find channel: %w", err)
	}
	if doc.IsDefault {
		return provider.ErrNotSupported
	}
	if _, err := s.col().DeleteOne(ctx, bson.M{"channel_id": channelID}); err != nil {
		return fmt.Errorf("mongo provider: delete channel: %w", err)
	}
	return nil
}

func (s *channelStore) OnExternalUpdate(fn func()) {
	s.onUpdate = fn
}

// startWatch follows the channel collection's change stream and fires the
// external-update callback. Change streams need a replica set; on
// standalone deployments the watch fails and external edits go unnoticed
// until restart.
func (s *channelStore) startWatch(ctx context.Context) {
	go func() {
		stream, err := s.col().Watch(ctx, mongo.Pipeline{})
		if err != nil {
			log.Debug().Err(err).Msg("channel change stream unavailable")
			return
		}
		defer stream.Close(ctx)
		for stream.Next(ctx) {
			if s.onUpdate != nil {
				s.onUpdate()
			}
		}
	}()
}

type permissionDoc struct {
	UserID    uint32 `bson:"user_id"`
	Name      string `bson:"name"`
	ChannelID uint32 `bson:"channel_id"`
	IsAllowed bool   `bson:"is_allowed"`
}

type permissionStore struct {
	col       *mongo.Collection
	onChanged func(userID uint32)
}

func (s *permissionStore) Permissions(ctx context.Context, userID uint32) ([]provider.Permission, error) {
	cur, err := s.col.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("mongo provider: list permissions: %w", err)
	}
	defer cur.Close(ctx)

	var out []provider.Permission
	for cur.Next(ctx) {
		var doc permissionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo provider: decode permission: %w", err)
		}
		out = append(out, provider.Permission{
			Name:      doc.Name,
			ChannelID: doc.ChannelID,
			IsAllowed: doc.IsAllowed,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo provider: list permissions: %w", err)
	}
	return out, nil
}

func (s *permissionStore) OnPermissionChanged(fn func(userID uint32)) {
	s.onChanged = fn
}

func (s *permissionStore) startWatch(ctx context.Context) {
	go func() {
		stream, err := s.col.Watch(ctx, mongo.Pipeline{},
			options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			log.Debug().Err(err).Msg("permission change stream unavailable")
			return
		}
		defer stream.Close(ctx)
		for stream.Next(ctx) {
			var ev struct {
				FullDocument permissionDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				continue
			}
			if s.onChanged != nil {
				s.onChanged(ev.FullDocument.UserID)
			}
		}
	}()
}
