package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

func sampleMessages() []schema.Message {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)
	return []schema.Message{
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindString, Type: "Note", Payload: []byte("hello")},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindCommand, Type: "NewOrder", CorrelationID: 7, ClientID: "alpha", SessionID: "alpha-01", Payload: []byte(`{"qty":"1"}`)},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindDocument, Type: "Snapshot", Payload: bytes.Repeat([]byte("ab"), 512)},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindEvent, Type: "Fill", Topic: "orders.fill"},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindEvent, Type: "Tick", Topic: "md.btc", Payload: []byte{1, 2, 3}},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindRequest, Type: "OrderStatus", CorrelationID: 42, Payload: []byte("o-1")},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindResponse, Type: "NewOrder", CorrelationID: 42, Status: schema.StatusAck},
		{ID: uuid.New(), Timestamp: ts, Kind: schema.KindResponse, Type: "NewOrder", CorrelationID: 43, Status: schema.StatusRejected, Reason: schema.RejectThrottled},
		// mock clocks start here
		{ID: uuid.New(), Timestamp: time.Unix(0, 0).UTC(), Kind: schema.KindCommand, Type: "NewOrder", ClientID: "alpha", Payload: []byte{1}},
		{ID: uuid.New(), Timestamp: time.Unix(-5, 0).UTC(), Kind: schema.KindEvent, Type: "Tick", Topic: "md.btc", Payload: []byte{2}},
	}
}

func curvePair(t *testing.T) (client, server EncryptionSettings) {
	t.Helper()
	cPub, cSec, err := GenerateCurveKeyPair()
	require.NoError(t, err)
	sPub, sSec, err := GenerateCurveKeyPair()
	require.NoError(t, err)
	client = EncryptionSettings{Mode: EncryptionCurve, PublicKey: cPub, SecretKey: cSec, PeerPublicKey: sPub}
	server = EncryptionSettings{Mode: EncryptionCurve, PublicKey: sPub, SecretKey: sSec, PeerPublicKey: cPub}
	return client, server
}

func TestPipelineRoundTrip(t *testing.T) {
	codecs := []string{CompressionNone, CompressionLZ4, CompressionZstd, CompressionS2}
	clientCurve, serverCurve := curvePair(t)
	encryptions := map[string][2]EncryptionSettings{
		EncryptionNone:  {{Mode: EncryptionNone}, {Mode: EncryptionNone}},
		EncryptionCurve: {clientCurve, serverCurve},
	}

	for _, codec := range codecs {
		for mode, keys := range encryptions {
			t.Run(codec+"/"+mode, func(t *testing.T) {
				out, err := NewPipeline(Settings{Compression: codec, Encryption: keys[0]})
				require.NoError(t, err)
				in, err := NewPipeline(Settings{Compression: codec, Encryption: keys[1]})
				require.NoError(t, err)

				for _, m := range sampleMessages() {
					b, err := out.Encode(m)
					require.NoError(t, err)
					got, err := in.Decode(b)
					require.NoError(t, err)
					assert.Equal(t, m, got, m.Kind.String())
				}
			})
		}
	}
}

func TestSerializerIsDeterministic(t *testing.T) {
	ser, err := NewCBORSerializer()
	require.NoError(t, err)

	for _, m := range sampleMessages() {
		a, err := ser.Marshal(m)
		require.NoError(t, err)
		b, err := ser.Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestLZ4NeverFallsBackToRaw(t *testing.T) {
	c, err := NewCompressor(CompressionLZ4)
	require.NoError(t, err)

	src := []byte{0x9f}
	packed, err := c.Compress(src)
	require.NoError(t, err)
	assert.Greater(t, len(packed), len(src))
	assert.NotEqual(t, src, packed)

	got, err := c.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestUnknownCodecIsRejected(t *testing.T) {
	_, err := NewCompressor("snappy")
	require.ErrorIs(t, err, exception.ErrArgumentUnsupported)

	_, err = NewEncryptor(EncryptionSettings{Mode: "tls"})
	require.ErrorIs(t, err, exception.ErrArgumentUnsupported)
}

func TestCurveRequiresKeys(t *testing.T) {
	_, err := NewEncryptor(EncryptionSettings{Mode: EncryptionCurve})
	var verr *exception.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "encryption.secret_key", verr.Field)

	client, _ := curvePair(t)
	client.PublicKey[0] ^= 0xff
	_, err = NewEncryptor(client)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "encryption.public_key", verr.Field)
}

func TestDecodeFailuresNameTheStage(t *testing.T) {
	msg := sampleMessages()[1]

	t.Run("encrypt", func(t *testing.T) {
		client, server := curvePair(t)
		out, err := NewPipeline(Settings{Compression: CompressionLZ4, Encryption: client})
		require.NoError(t, err)
		in, err := NewPipeline(Settings{Compression: CompressionLZ4, Encryption: server})
		require.NoError(t, err)

		b, err := out.Encode(msg)
		require.NoError(t, err)
		b[len(b)-1] ^= 0x01

		_, err = in.Decode(b)
		var cerr *exception.CodecError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, exception.StageEncrypt, cerr.Stage)
		assert.Equal(t, exception.DirectionDecode, cerr.Direction)
		assert.ErrorIs(t, err, exception.ErrCodec)
	})

	t.Run("compress", func(t *testing.T) {
		p, err := NewPipeline(Settings{Compression: CompressionLZ4})
		require.NoError(t, err)

		_, err = p.Decode([]byte("definitely not an lz4 frame"))
		var cerr *exception.CodecError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, exception.StageCompress, cerr.Stage)
	})

	t.Run("serialize", func(t *testing.T) {
		p, err := NewPipeline(Settings{Compression: CompressionNone})
		require.NoError(t, err)

		_, err = p.Decode([]byte{0xff, 0x00, 0x13})
		var cerr *exception.CodecError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, exception.StageSerialize, cerr.Stage)
	})

	t.Run("invalid envelope", func(t *testing.T) {
		p, err := NewPipeline(Settings{Compression: CompressionNone})
		require.NoError(t, err)

		bad := msg
		bad.Payload = nil
		b, err := p.Encode(bad)
		require.NoError(t, err)

		_, err = p.Decode(b)
		var cerr *exception.CodecError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "NewOrder", cerr.Type)
		assert.ErrorIs(t, err, exception.ErrValidation)
	})
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameRequest, []byte("abc")))
	require.NoError(t, WriteFrame(&buf, FrameHeartbeat, nil))
	assert.Equal(t, []byte{byte(FrameRequest), 0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes()[:8])

	typ, payload, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, typ)
	assert.Equal(t, []byte("abc"), payload)

	typ, payload, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, typ)
	assert.Empty(t, payload)

	_, _, err = ReadFrame(&buf, 0)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestOversizedFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameEvent, bytes.Repeat([]byte{1}, 64)))
	require.NoError(t, WriteFrame(&buf, FrameEvent, []byte("ok")))

	_, _, err := ReadFrame(&buf, 16)
	var cerr *exception.CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, exception.StageFrame, cerr.Stage)
	assert.Equal(t, 64, cerr.Size)

	typ, payload, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, typ)
	assert.Equal(t, []byte("ok"), payload)
}

func TestKeyEncoding(t *testing.T) {
	pub, _, err := GenerateCurveKeyPair()
	require.NoError(t, err)

	got, err := DecodeKey(EncodeKey(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = DecodeKey("c2hvcnQ=")
	assert.ErrorIs(t, err, exception.ErrValidation)
}

func TestSerializerKeepsMissingTimestampMissing(t *testing.T) {
	ser, err := NewCBORSerializer()
	require.NoError(t, err)

	b, err := ser.Marshal(schema.Message{ID: uuid.New(), Kind: schema.KindCommand, Type: "NewOrder", Payload: []byte{1}})
	require.NoError(t, err)
	got, err := ser.Unmarshal(b)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.IsZero())

	epoch := time.Unix(0, 0).UTC()
	b, err = ser.Marshal(schema.Message{ID: uuid.New(), Timestamp: epoch, Kind: schema.KindCommand, Type: "NewOrder", Payload: []byte{1}})
	require.NoError(t, err)
	got, err = ser.Unmarshal(b)
	require.NoError(t, err)
	assert.False(t, got.Timestamp.IsZero())
	assert.True(t, epoch.Equal(got.Timestamp))
}
