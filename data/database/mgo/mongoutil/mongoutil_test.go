package mongoutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestValidateAndSetDefaults(t *testing.T) {
	assert.Error(t, (&Config{Database: "x"}).ValidateAndSetDefaults())
	assert.Error(t, (&Config{Uri: "mongodb://h"}).ValidateAndSetDefaults())

	c := &Config{Address: []string{"h1:27017", "h2:27017"}, Database: "ppr", Username: "u", Password: "p"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, defaultMaxPoolSize, c.MaxPoolSize)
	assert.Equal(t, defaultMaxRetry, c.MaxRetry)
	assert.Equal(t, "mongodb://u:p@h1:27017,h2:27017/ppr?authSource=ppr&maxPoolSize=100", c.Uri)

	c = &Config{Address: []string{"h"}, Database: "ppr", AuthSource: "admin", MaxPoolSize: 5}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://h/ppr?authSource=admin&maxPoolSize=5", c.Uri)

	c = &Config{Uri: "mongodb://given", Database: "ppr"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://given", c.Uri)
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	assert.True(t, shouldRetry(ctx, errors.New("dial tcp: refused")))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 18}))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 13}))
	assert.True(t, shouldRetry(ctx, mongo.CommandError{Code: 91}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, shouldRetry(cancelled, errors.New("x")))
}

func TestApplyConfigRequiresTarget(t *testing.T) {
	_, err := applyConfigToOptions(&Config{})
	assert.Error(t, err)

	opts, err := applyConfigToOptions(&Config{Address: []string{"h:1"}, MaxPoolSize: 3, Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), *opts.MaxPoolSize)
	assert.Equal(t, "u", opts.Auth.Username)
}
