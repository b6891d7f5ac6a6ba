package mgo

import (
	"context"
	"os"
	"testing"
	"time"

	"dmchat/service/storage"
	"dmchat/service/storage/storagetest"
	"dmchat/tools/ids"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateAndSetDefaults(t *testing.T) {
	req := require.New(t)

	c := &Config{Address: []string{"h1:27017", "h2:27017"}, Database: "im", Username: "u", Password: "p"}
	req.NoError(c.ValidateAndSetDefaults())
	req.Equal(defaultMaxPoolSize, c.MaxPoolSize)
	req.Equal(defaultMaxRetry, c.MaxRetry)
	req.Equal("mongodb://u:p@h1:27017,h2:27017/im?authSource=im&maxPoolSize=100", c.Uri)

	req.Error((&Config{Database: "im"}).ValidateAndSetDefaults())
	req.Error((&Config{Uri: "mongodb://localhost"}).ValidateAndSetDefaults())
}

func TestStore_Contract(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.MessageStore {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db, err := Connect(ctx, &Config{Uri: uri, Database: "dmchat_test_" + uuid.NewString()[:8]})
		require.NoError(t, err)
		s := NewStore(db, ids.NewGenerator(7))
		require.NoError(t, s.EnsureIndexes(ctx))
		t.Cleanup(func() {
			_ = db.Drop(context.Background())
			_ = s.Close(context.Background())
		})
		return s
	})
}
