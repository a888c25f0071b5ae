package channels

import (
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDiscordProxy(t *testing.T) {
	tests := []struct {
		name  string
		proxy string
		env   string
		want  string
	}{
		{name: "explicit proxy", proxy: "http://127.0.0.1:7890", want: "http://127.0.0.1:7890"},
		{name: "explicit proxy wins over environment", proxy: "http://127.0.0.1:7890", env: "http://127.0.0.1:9999", want: "http://127.0.0.1:7890"},
		{name: "environment", env: "http://127.0.0.1:8888", want: "http://127.0.0.1:8888"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				for _, key := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
					t.Setenv(key, tt.env)
				}
				t.Setenv("NO_PROXY", "")
				t.Setenv("no_proxy", "")
			}

			session, err := discordgo.New("Bot test-token")
			require.NoError(t, err)
			require.NoError(t, applyDiscordProxy(session, tt.proxy))

			req, err := http.NewRequest(http.MethodGet, "https://discord.com/api/v10/gateway", nil)
			require.NoError(t, err)

			transport, ok := session.Client.Transport.(*http.Transport)
			require.True(t, ok, "REST client must use an *http.Transport")
			restURL, err := transport.Proxy(req)
			require.NoError(t, err)
			require.NotNil(t, restURL)
			assert.Equal(t, tt.want, restURL.String())

			wsURL, err := session.Dialer.Proxy(req)
			require.NoError(t, err)
			require.NotNil(t, wsURL)
			assert.Equal(t, tt.want, wsURL.String())
		})
	}
}

func TestApplyDiscordProxySetsTimeouts(t *testing.T) {
	session, err := discordgo.New("Bot test-token")
	require.NoError(t, err)
	require.NoError(t, applyDiscordProxy(session, "http://127.0.0.1:7890"))

	assert.Equal(t, restTimeout, session.Client.Timeout)
	assert.Equal(t, gatewayHandshakeTimeout, session.Dialer.HandshakeTimeout)
}

func TestApplyDiscordProxyRejectsBadURL(t *testing.T) {
	session, err := discordgo.New("Bot test-token")
	require.NoError(t, err)

	err = applyDiscordProxy(session, "://bad-proxy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid discord proxy")
}

func TestNewDiscordSessionIntents(t *testing.T) {
	session, err := NewDiscordSession("test-token", "")
	require.NoError(t, err)
	want := discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates | discordgo.IntentMessageContent
	assert.Equal(t, want, session.Identify.Intents)
}
