package audit

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOrder(t *testing.T) {
	fail := func() (string, error) { return "", errors.New("no") }
	r := Resolver{
		SystemUser: func() (string, error) { return "qsun", nil },
		Hostname:   func() (string, error) { return "ws01", nil },
		LookupIP: func(string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("::1"), net.ParseIP("10.0.0.7")}, nil
		},
	}

	assert.Equal(t, "operator (Client_User)", r.Resolve(" operator "))
	assert.Equal(t, "qsun (System_User)", r.Resolve(""))

	r.SystemUser = fail
	assert.Equal(t, "ws01 (10.0.0.7)", r.Resolve(""))

	r.LookupIP = func(string) ([]net.IP, error) { return nil, errors.New("dns") }
	assert.Equal(t, UnknownHost, r.Resolve(""))

	r.Hostname = fail
	assert.Equal(t, UnknownHost, r.Resolve(""))
}

func TestFormatSource(t *testing.T) {
	base := "OPC UA 127.0.0.1:4840"
	assert.Equal(t, base, FormatSource(base, nil))
	assert.Equal(t, base, FormatSource(base, &Record{Modifier: UnknownModifier}))

	rec := Record{
		Modifier:  "operator (Client_User)",
		Time:      time.Date(2026, 3, 1, 8, 30, 0, 0, time.Local),
		Operation: "TwinCAT_Read_Operation",
	}
	assert.Equal(t,
		"OPC UA 127.0.0.1:4840 | Modified by: operator (Client_User) at 2026-03-01 08:30:00 (TwinCAT_Read_Operation)",
		FormatSource(base, &rec))
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC)
	got, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	got, err = ParseTime("2026-03-01T08:30:05.123456")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Second())

	got, err = ParseTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
	assert.Equal(t, "", FormatTime(time.Time{}))
}

func TestNewRecord(t *testing.T) {
	id := NewSessionID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	rec := NewRecord("x (System_User)", "Read_from_TwinCAT", "TwinCAT_Read_Operation", id)
	assert.True(t, rec.Known())
	assert.False(t, rec.Time.IsZero())
	assert.Equal(t, id, rec.SessionID)
}
