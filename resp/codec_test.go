package resp

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeScalars(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  Token
	}{
		{"positive integer", ":45\r\n", Integer(45)},
		{"negative integer", ":-1000\r\n", Integer(-1000)},
		{"positive double", ",45.0\r\n", Double(45.0)},
		{"negative double", ",-1000.25\r\n", Double(-1000.25)},
		{"true", "#t\r\n", Bool(true)},
		{"false", "#f\r\n", Bool(false)},
		{"null", "_\r\n", Null()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := Consume([]byte(c.input))
			require.Equal(t, StatusComplete, res.Status)
			assert.Equal(t, len(c.input), res.Consumed)
			assert.True(t, c.want.Equal(res.Token), "got %s want %s", res.Token, c.want)
		})
	}
}

func TestConsumeArrayOfStringsDecode(t *testing.T) {
	res := Consume([]byte("*2\r\n$1\r\na\r\n$1\r\nb\r\n"))
	require.Equal(t, StatusComplete, res.Status)

	got, err := DecodeSequence(res.Token, DecodeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestConsumeSingleValueCoercesToSequence(t *testing.T) {
	res := Consume([]byte("$1\r\na\r\n"))
	require.Equal(t, StatusComplete, res.Status)

	got, err := DecodeSequence(res.Token, DecodeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestConsumeMixedTuple(t *testing.T) {
	res := Consume([]byte("*4\r\n:8\r\n,10.001\r\n$10\r\nBulkString\r\n*2\r\n#t\r\n#f\r\n"))
	require.Equal(t, StatusComplete, res.Status)

	i, d, s, bs, err := DecodeTuple4(res.Token, DecodeInt64, DecodeFloat64, DecodeString,
		func(tok Token) ([]bool, error) { return DecodeSequence(tok, DecodeBool) })
	require.NoError(t, err)
	assert.Equal(t, int64(8), i)
	assert.Equal(t, 10.001, d)
	assert.Equal(t, "BulkString", s)
	assert.Equal(t, []bool{true, false}, bs)
}

func TestConsumeNullBulkAndNullArray(t *testing.T) {
	res := Consume([]byte("$-1\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	assert.True(t, res.Token.IsNull())

	res = Consume([]byte("*-1\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	assert.True(t, res.Token.IsNull())
}

func TestConsumeMap(t *testing.T) {
	res := Consume([]byte("%2\r\n$3\r\nfoo\r\n:1\r\n$3\r\nbar\r\n:2\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, KindMap, res.Token.Kind())

	got, err := DecodeMap(res.Token, DecodeString, DecodeInt64)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"foo": 1, "bar": 2}, got)
}

func TestConsumeSetDedups(t *testing.T) {
	res := Consume([]byte("~3\r\n:1\r\n:2\r\n:1\r\n"))
	require.Equal(t, StatusComplete, res.Status)

	got, err := DecodeSet(res.Token, DecodeInt64)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, got)
}

func TestConsumePush(t *testing.T) {
	res := Consume([]byte(">3\r\n$7\r\nmessage\r\n$7\r\nchannel\r\n$7\r\npayload\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	require.Equal(t, KindPush, res.Token.Kind())
	assert.Equal(t, "message", res.Token.AsPushKind())
	assert.Len(t, res.Token.AsItems(), 2)
}

func TestConsumeVerbatim(t *testing.T) {
	res := Consume([]byte("=9\r\ntxt:hello\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	format, text := res.Token.AsVerbatim()
	assert.Equal(t, "txt", format)
	assert.Equal(t, "hello", text)

	s, err := DecodeString(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "hello", s, "format prefix must be stripped for String decoding")
}

func TestConsumeBigNumber(t *testing.T) {
	res := Consume([]byte("(3492890328409238509324850943850943825024385\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, KindBigNumber, res.Token.Kind())
	assert.Equal(t, "3492890328409238509324850943850943825024385", res.Token.AsBigNumber())
}

func TestConsumeAttributeAttachesToNextValue(t *testing.T) {
	res := Consume([]byte("|1\r\n$8\r\nttl-info\r\n:100\r\n:42\r\n"))
	require.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, KindInteger, res.Token.Kind())
	assert.Equal(t, int64(42), res.Token.AsInteger())
	require.Len(t, res.Token.Attributes(), 1)
	assert.Equal(t, "ttl-info", string(res.Token.Attributes()[0].Key.AsBulkString()))
}

func TestConsumeIncompletePreservesBuffer(t *testing.T) {
	res := Consume([]byte("$5\r\nfoo"))
	assert.Equal(t, StatusIncomplete, res.Status)

	res = Consume([]byte("*2\r\n$1\r\na\r\n"))
	assert.Equal(t, StatusIncomplete, res.Status)
}

func TestConsumeMalformedCases(t *testing.T) {
	cases := []string{
		"X45\r\n",         // unknown type byte
		":notanumber\r\n", // invalid integer
		"$3\r\nab\r\n",    // short payload / bad terminator
		"*-2\r\n",         // negative length other than -1
		"#x\r\n",          // invalid boolean literal
	}
	for _, c := range cases {
		res := Consume([]byte(c))
		assert.Equal(t, StatusMalformed, res.Status, "input %q", c)
		assert.Error(t, res.Err)
	}
}

func TestEncodeCommand(t *testing.T) {
	b, err := EncodeCommand("SET", "key", []byte("value"), int64(7), true)
	require.NoError(t, err)
	assert.Equal(t, "*5\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n$1\r\n7\r\n$1\r\n1\r\n", string(b))
}

// TestCodecRoundTrip exercises invariant 2: parse(serialize(t)) == t for the
// subset the serializer can emit (arrays of bulk strings plus integers,
// doubles, booleans).
func TestCodecRoundTrip(t *testing.T) {
	f := func(i int64, bs []byte, flag bool) bool {
		tok := Array([]Token{Integer(i), BulkString(bs), Bool(flag)})
		wire, err := EncodeToken(tok)
		if err != nil {
			return false
		}
		res := Consume(wire)
		if res.Status != StatusComplete {
			return false
		}
		return tok.Equal(res.Token) && res.Consumed == len(wire)
	}
	require.NoError(t, quick.Check(f, nil))
}
