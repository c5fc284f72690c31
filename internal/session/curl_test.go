package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialFromCurl(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		expectError    bool
		cookie         string
		wantDescriptor bool
	}{
		{
			name: "full curl paste",
			input: `curl 'https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f&i=4' ` +
				`-H 'user-agent: Mozilla/5.0' -H 'cookie: SID=abc123; HSID=def456' --compressed`,
			cookie:         "SID=abc123; HSID=def456",
			wantDescriptor: true,
		},
		{
			name: "curl paste with double quotes",
			input: `curl "https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f" ` +
				`-H "cookie: SID=abc123"`,
			cookie:         "SID=abc123",
			wantDescriptor: true,
		},
		{
			name: "multi-line curl paste",
			input: "curl 'https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f' \\\n" +
				"  -H 'accept: */*' \\\n" +
				"  -H 'cookie: SID=abc123' \\\n" +
				"  --compressed",
			cookie:         "SID=abc123",
			wantDescriptor: true,
		},
		{
			name:   "bare cookie value",
			input:  "SID=abc123; HSID=def456",
			cookie: "SID=abc123; HSID=def456",
		},
		{
			name:   "cookie header line",
			input:  "Cookie: SID=abc123; HSID=def456",
			cookie: "SID=abc123; HSID=def456",
		},
		{
			name:   "quoted bare cookie",
			input:  `'SID=abc123; HSID=def456'`,
			cookie: "SID=abc123; HSID=def456",
		},
		{
			name:        "curl paste without cookie header",
			input:       `curl 'https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip' -H 'accept: */*'`,
			expectError: true,
		},
		{
			name:        "curl paste with unusable url",
			input:       `curl 'https://takeout.example.com/settings' -H 'cookie: SID=abc123'`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := CredentialFromCurl(tt.input)
			if tt.expectError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.cookie, cred.CookieHeader)
			assert.False(t, cred.IssuedAt.IsZero())

			if tt.wantDescriptor {
				require.NotNil(t, cred.Descriptor)
				assert.Equal(t, 1, cred.Descriptor.StartIndex())
			} else {
				assert.Nil(t, cred.Descriptor)
			}
		})
	}
}

func TestCredentialFromCurlPreservesQuery(t *testing.T) {
	cred, err := CredentialFromCurl(
		`curl 'https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f&i=4&user=0' -H 'cookie: SID=abc'`,
	)
	require.NoError(t, err)
	require.NotNil(t, cred.Descriptor)

	assert.Equal(t,
		"https://takeout.example.com/download/takeout-20251204T101148Z-3-002.zip?j=6b2e9f&i=4&user=0",
		cred.Descriptor.URLFor(2),
	)
}
