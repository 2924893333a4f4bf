package port_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/bootworker/lib/port"
)

type sample struct {
	BaseURL string            `json:"baseUrl"`
	Ratio   float64           `json:"devicePixelRatio"`
	Flags   []bool            `json:"flags"`
	Status  map[string]string `json:"status"`
}

func TestCodecs_RoundTrip(t *testing.T) {
	in := sample{
		BaseURL: "https://example.com/game/",
		Ratio:   1.5,
		Flags:   []bool{true, false},
		Status:  map[string]string{"main.js": "ok"},
	}

	for _, codec := range []port.Codec{port.JSON, port.Protobuf} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(in)
			require.NoError(t, err)

			var out sample
			require.NoError(t, codec.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestCodecs_Message(t *testing.T) {
	msg := port.Message{Type: "alert-error", Message: "boom"}

	for _, codec := range []port.Codec{port.JSON, port.Protobuf} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(msg)
			require.NoError(t, err)

			var out port.Message
			require.NoError(t, codec.Unmarshal(data, &out))
			assert.Equal(t, msg, out)
		})
	}
}

func TestProtobufCodec_RejectsNonObject(t *testing.T) {
	_, err := port.Protobuf.Marshal([]string{"not", "an", "object"})
	assert.Error(t, err)

	var out sample
	assert.Error(t, port.Protobuf.Unmarshal([]byte{0xFF, 0xFF, 0xFF}, &out))
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "json"},
		{name: "json", want: "json"},
		{name: "JSON", want: "json"},
		{name: "protobuf", want: "protobuf"},
		{name: " proto ", want: "protobuf"},
		{name: "msgpack", wantErr: true},
	}

	for _, tt := range tests {
		codec, err := port.CodecByName(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, codec.Name())
	}
}

func TestPortFunc(t *testing.T) {
	var got []port.Message
	p := port.PortFunc(func(_ context.Context, msg port.Message) error {
		got = append(got, msg)
		return nil
	})

	require.NoError(t, p.PostMessage(context.Background(), port.Message{Type: "creating-runtime"}))
	assert.Equal(t, []port.Message{{Type: "creating-runtime"}}, got)
}
