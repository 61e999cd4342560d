package event

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireShape(t *testing.T) {
	b, err := Encode([]Event{New("click", "btn1"), New("view", "page2")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[{"Type":"click","Data":"btn1"},{"Type":"view","Data":"page2"}]}`, string(b))
}

func TestEncodeNilIsEmptyArray(t *testing.T) {
	b, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, `{"events":[]}`, string(b))
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{"", "{", `{"events":"nope"}`, "[1,2]"} {
		_, err := Decode([]byte(in))
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("input %q: expected ErrDecode, got %v", in, err)
		}
	}
}

func TestDecodeKeepsEmptyStrings(t *testing.T) {
	events, err := Decode([]byte(`{"events":[{"Type":"","Data":""}]}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{{}}, events)
}

func TestEncodeForm(t *testing.T) {
	payload := []byte(`{"events":[{"Type":"a&b","Data":"x=y"}]}`)
	v, err := url.ParseQuery(EncodeForm(payload))
	require.NoError(t, err)
	assert.Equal(t, string(payload), v.Get(FormField))
}

func TestCloneDetaches(t *testing.T) {
	src := []Event{New("a", "1")}
	c := Clone(src)
	src[0] = New("b", "2")
	assert.Equal(t, "a", c[0].Type)
	assert.Nil(t, Clone(nil))
}
