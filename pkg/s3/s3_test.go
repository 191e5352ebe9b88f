package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "nested key", input: "s3://installers/peer/setup-1.2.exe", wantBucket: "installers", wantKey: "peer/setup-1.2.exe"},
		{name: "flat key", input: "s3://bucket/setup.exe", wantBucket: "bucket", wantKey: "setup.exe"},
		{name: "http scheme", input: "https://example.com/setup.exe", wantErr: true},
		{name: "missing key", input: "s3://bucket/", wantErr: true},
		{name: "missing bucket", input: "s3:///setup.exe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}
