package taskqueue

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/deckflow/internal/testutil"
)

type RedisQueueTestSuite struct {
	suite.Suite
	client *redis.Client
	n      int
}

func TestRedisQueueTestSuite(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddr(t)})
	t.Cleanup(func() { _ = client.Close() })
	suite.Run(t, &RedisQueueTestSuite{client: client})
}

func (s *RedisQueueTestSuite) SetupTest() {
	s.Require().NoError(s.client.FlushDB(context.Background()).Err())
}

func (s *RedisQueueTestSuite) TestContract() {
	runQueueContract(s.T(), func(*testing.T) Queue {
		// A fresh prefix per subtest isolates the keys.
		s.n++
		return NewRedisQueue(s.client, fmt.Sprintf("deckflow-test-%d:", s.n))
	})
}
