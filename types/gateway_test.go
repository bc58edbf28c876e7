package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/errors"
)

func validConnection() GatewayConnection {
	return GatewayConnection{
		LocalRealm:   "building",
		Realm:        "master",
		Host:         "central.example.com",
		Port:         8443,
		Secured:      true,
		ClientID:     "gateway-4K9Hq0fXvXSUXKfgTnqJEW",
		ClientSecret: "secret",
	}
}

func TestGatewayConnection_URLs(t *testing.T) {
	c := validConnection()

	assert.Equal(t, "wss://central.example.com:8443/websocket/events?realm=master", c.WebsocketURL())
	assert.Equal(t, "https://central.example.com:8443/auth/realms/master/protocol/openid-connect/token", c.TokenURL())

	c.Secured = false
	c.Port = 0
	assert.Equal(t, "ws://central.example.com/websocket/events?realm=master", c.WebsocketURL())
}

func TestGatewayConnection_Validate(t *testing.T) {
	c := validConnection()
	require.NoError(t, c.Validate())

	c.Host = ""
	c.AttributeFilters = []AttributeFilter{{Duration: "soon"}}
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "host is required")
	assert.Contains(t, err.Error(), "attributeFilters[0]")
}

func TestGatewayConnection_Redacted(t *testing.T) {
	c := validConnection()
	assert.Equal(t, "********", c.Redacted().ClientSecret)
	assert.Equal(t, "secret", c.ClientSecret)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"60s":     time.Minute,
		"1h30m":   90 * time.Minute,
		"PT1M":    time.Minute,
		"PT1H30M": 90 * time.Minute,
		"P1DT2H":  26 * time.Hour,
		"PT0.5S":  500 * time.Millisecond,
		"pt10s":   10 * time.Second,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDuration(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for _, bad := range []string{"", "P", "PT", "1 minute", "PT5X"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}
