package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
)

type RedisStoreSuite struct {
	suite.Suite
	mini  *miniredis.Miniredis
	store *RedisStore
	ctx   context.Context
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupTest() {
	s.mini = miniredis.RunT(s.T())

	client := redis.NewClient(&redis.Options{
		Addr: s.mini.Addr(),
	})

	cfg := DefaultRedisConfig()
	cfg.KeyPrefix = "wqtest"
	s.store = NewRedisWithClient(client, cfg)
	s.ctx = context.Background()
}

func (s *RedisStoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisStoreSuite) TestLoadEmpty() {
	accounts, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	s.Empty(accounts)
}

func (s *RedisStoreSuite) TestSaveAndLoad() {
	want := []model.Account{
		{Username: "mario", SecretHash: []byte{1, 2}, Salt: []byte{3}, Points: 12, Friends: []string{"luigi"}},
		{Username: "luigi", SecretHash: []byte{4}, Salt: []byte{5}, Points: -1, Friends: []string{"mario"}},
	}

	s.Require().NoError(s.store.Save(s.ctx, want))

	got, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(want, got)

	rev, err := s.store.Revision(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), rev)
}

func (s *RedisStoreSuite) TestSaveReplacesPreviousSnapshot() {
	s.Require().NoError(s.store.Save(s.ctx, []model.Account{{Username: "old", Friends: []string{}}}))
	s.Require().NoError(s.store.Save(s.ctx, []model.Account{{Username: "new", Points: 3, Friends: []string{}}}))

	got, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("new", got[0].Username)
	s.Equal(3, got[0].Points)

	rev, err := s.store.Revision(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), rev)
	s.True(s.mini.Exists("wqtest:accounts"))
}

func (s *RedisStoreSuite) TestLoadCorruptSnapshot() {
	s.Require().NoError(s.mini.Set("wqtest:accounts", "{not json"))
	_, err := s.store.Load(s.ctx)
	s.Error(err)
}
