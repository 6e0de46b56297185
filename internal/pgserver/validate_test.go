package pgserver

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"postgres", true},
		{"_private", true},
		{"Test_DB_2", true},
		{"a", true},
		{"", false},
		{"1abc", false},
		{"my-db", false},
		{"my db", false},
		{"drop;table", false},
		{"naïve", false},
		{"pg_", false},
		{"pg_catalog", false},
		{"pgx", true},
		{"PG_upper", true},
	}
	for _, tt := range tests {
		t.Run(strconv.Quote(tt.name), func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidIdentifier(tt.name))
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, ValidateIdentifier("username", "postgres"))
	assert.ErrorIs(t, ValidateIdentifier("username", "not-a-name"), ErrValidation)
}

func TestIsValidPort(t *testing.T) {
	for port := -1; port <= 1024; port++ {
		require.False(t, IsValidPort(port), "port %d", port)
	}
	for _, port := range []int{1025, 5432, 40000, 65534} {
		assert.True(t, IsValidPort(port), "port %d", port)
	}
	for _, port := range []int{65535, 65536, 100000} {
		assert.False(t, IsValidPort(port), "port %d", port)
	}
}

func TestParsePort(t *testing.T) {
	port, err := ParsePort(" 5433 ")
	require.NoError(t, err)
	assert.Equal(t, 5433, port)

	for _, s := range []string{"", "abc", "54.3", "1024", "65535", "-1"} {
		_, err := ParsePort(s)
		assert.ErrorIs(t, err, ErrValidation, "ParsePort(%q)", s)
	}
}
