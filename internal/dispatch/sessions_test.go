package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionID(t *testing.T) {
	assert.Equal(t, "fho_repo_17", SessionID("fho/repo", 17))
	assert.Equal(t, "org_sub_repo_3", SessionID("org/sub/repo", 3))
}

func TestEnsureIsIdempotent(t *testing.T) {
	s := NewSessionStore()

	id, created := s.Ensure("fho/repo", 17)
	assert.Equal(t, "fho_repo_17", id)
	assert.True(t, created)

	id, created = s.Ensure("fho/repo", 17)
	assert.Equal(t, "fho_repo_17", id)
	assert.False(t, created)
}

func TestEnsureDistinguishesIssues(t *testing.T) {
	s := NewSessionStore()

	id1, _ := s.Ensure("fho/repo", 1)
	id2, _ := s.Ensure("fho/repo", 2)
	id3, _ := s.Ensure("fho/other", 1)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestEnsureConcurrentCreatesOnce(t *testing.T) {
	s := NewSessionStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var createdCnt int

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, created := s.Ensure("fho/repo", 17); created {
				mu.Lock()
				createdCnt++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, createdCnt)
}
