package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	p := CreateIdentityPacket(IdentityParams{
		DeviceID:   "abcdefghijklmnopqrstuvwxyz012345",
		DeviceName: "desk",
		TCPPort:    1716,
	}, 1700000000000)

	b, err := Serialize(p)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])

	got, err := Parse(b[:len(b)-1])
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Type, got.Type)
	require.JSONEq(t, string(p.Body), string(got.Body))
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        []byte(""),
		"not json":     []byte("not json at all"),
		"missing id":   []byte(`{"type":"x","body":{}}`),
		"missing type": []byte(`{"id":1,"body":{}}`),
		"missing body": []byte(`{"id":1,"type":"x"}`),
		"null body":    []byte(`{"id":1,"type":"x","body":null}`),
		"array body":   []byte(`{"id":1,"type":"x","body":[1,2]}`),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
		})
	}
}

func TestIsValidDeviceID(t *testing.T) {
	require.True(t, IsValidDeviceID("0123456789abcdef0123456789abcdef"))       // 32 hex
	require.True(t, IsValidDeviceID("01234567-89ab-cdef-0123-456789abcdef")) // 36-char uuid shape
	require.True(t, IsValidDeviceID("0123456789_-ABCDEFGHIJKLMNOPQRSTUVWXYZ")) // 38 chars allowed punctuation
	require.False(t, IsValidDeviceID("short"))
	require.False(t, IsValidDeviceID("0123456789012345678901234567890123456789")) // too long
	require.False(t, IsValidDeviceID("bad id with spaces and !@#$%^&*()1234"))
}

func TestCreateIdentityPacketFixedCapabilities(t *testing.T) {
	p := CreateIdentityPacket(IdentityParams{
		DeviceID:   "0123456789abcdef0123456789abcdef",
		DeviceName: "desk",
		TCPPort:    1716,
	}, 1)

	body, err := ParseIdentityBody(p)
	require.NoError(t, err)
	require.Equal(t, "desktop", body.DeviceType)
	require.Equal(t, ProtocolVersion, body.ProtocolVersion)
	require.Contains(t, body.IncomingCapabilities, "kdeconnect.notification")
	require.Contains(t, body.OutgoingCapabilities, "kdeconnect.ping")
}

func TestValidateIdentityBodyRejectsBadTCPPort(t *testing.T) {
	body := IdentityBody{
		DeviceID:   "0123456789abcdef0123456789abcdef",
		DeviceName: "x",
		DeviceType: "desktop",
		TCPPort:    70000,
	}
	require.Error(t, ValidateIdentityBody(body))
}
