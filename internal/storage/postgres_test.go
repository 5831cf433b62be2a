package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yourusername/embedding-compressor/internal/config"
)

func TestConnString(t *testing.T) {
	got := connString(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "compressor",
		Password: `it's a secret`,
		Database: "embeddings",
		SSLMode:  "disable",
	})
	assert.Equal(t, `host='db.internal' port='5432' user='compressor' password='it\'s a secret' dbname='embeddings' sslmode='disable'`, got)
}

func TestConnString_SkipsEmpty(t *testing.T) {
	got := connString(config.DatabaseConfig{Host: "localhost", Port: 5432})
	assert.Equal(t, "host='localhost' port='5432'", got)
}
