package rule_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parkerroan/rategate/rule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRule_Validate(t *testing.T) {
	testCases := []struct {
		description string
		rule        rule.Rule
		valid       bool
	}{
		{"plain rule", rule.Rule{Name: "api", Limit: 5, Window: time.Second}, true},
		{"zero limit", rule.Rule{Name: "api", Limit: 0, Window: time.Second}, true},
		{"unlimited", rule.Rule{Name: "api", Limit: rule.Unlimited, Window: time.Second}, true},
		{"with block", rule.Rule{Name: "api", Limit: 1, Window: time.Second, BlockDuration: time.Minute}, true},
		{"missing name", rule.Rule{Limit: 1, Window: time.Second}, false},
		{"negative limit", rule.Rule{Name: "api", Limit: -2, Window: time.Second}, false},
		{"zero window", rule.Rule{Name: "api", Limit: 1}, false},
		{"millisecond window", rule.Rule{Name: "api", Limit: 1, Window: time.Millisecond}, true},
		{"sub-millisecond window", rule.Rule{Name: "api", Limit: 1, Window: 999 * time.Microsecond}, false},
		{"negative block", rule.Rule{Name: "api", Limit: 1, Window: time.Second, BlockDuration: -time.Second}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, rule.ErrInvalid)
		})
	}
}

func TestRegistry_SetGet(t *testing.T) {
	reg, err := rule.NewRegistry(rule.Rule{Name: "login", Limit: 5, Window: time.Minute})
	require.NoError(t, err)

	got, err := reg.Get("login")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Limit)

	require.NoError(t, reg.Set(rule.Rule{Name: "login", Limit: 10, Window: time.Minute}))
	got, err = reg.Get("login")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Limit)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, rule.ErrNotFound)
}

func TestRegistry_SetRejectsInvalidAndKeepsOld(t *testing.T) {
	reg, err := rule.NewRegistry(rule.Rule{Name: "api", Limit: 5, Window: time.Second})
	require.NoError(t, err)

	err = reg.Set(rule.Rule{Name: "api", Limit: -7, Window: time.Second})
	assert.ErrorIs(t, err, rule.ErrInvalid)

	got, err := reg.Get("api")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Limit)
}

func TestNewRegistry_InvalidRule(t *testing.T) {
	_, err := rule.NewRegistry(rule.Rule{Name: "api"})
	assert.ErrorIs(t, err, rule.ErrInvalid)
}

func TestRegistry_DeleteAndNames(t *testing.T) {
	reg, err := rule.NewRegistry(
		rule.Rule{Name: "b", Limit: 1, Window: time.Second},
		rule.Rule{Name: "a", Limit: 1, Window: time.Second},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	reg.Delete("a")
	assert.Equal(t, []string{"b"}, reg.Names())
}

// Readers racing an update must only ever see one of the two complete versions.
func TestRegistry_ConcurrentReadersSeeWholeRules(t *testing.T) {
	v1 := rule.Rule{Name: "api", Limit: 1, Window: time.Second}
	v2 := rule.Rule{Name: "api", Limit: 2, Window: 2 * time.Second, BlockDuration: 2 * time.Second}
	reg, err := rule.NewRegistry(v1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				got, err := reg.Get("api")
				if err != nil {
					t.Error(err)
					return
				}
				if got != v1 && got != v2 {
					t.Errorf("observed torn rule %s", fmt.Sprint(got))
					return
				}
			}
		}()
	}

	for j := 0; j < 1000; j++ {
		if j%2 == 0 {
			_ = reg.Set(v2)
		} else {
			_ = reg.Set(v1)
		}
	}
	wg.Wait()
}
