package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubenschmidt/audio-relay/internal/audio"
)

var (
	ErrEmptyUnit       = errors.New("audio unit is empty")
	ErrUnsupportedMIME = errors.New("unsupported audio mime type")
	ErrSizeMismatch    = errors.New("audio unit size does not match payload")
)

// AudioUnit is one complete recording. It is immutable: constructors copy
// their input and accessors never expose the backing array.
type AudioUnit struct {
	data       []byte
	mime       audio.MIMEType
	capturedAt time.Time
}

// NewAudioUnit copies data into a new unit.
func NewAudioUnit(data []byte, mime audio.MIMEType, capturedAt time.Time) AudioUnit {
	return AudioUnit{
		data:       bytes.Clone(data),
		mime:       audio.Normalize(string(mime)),
		capturedAt: capturedAt.UTC(),
	}
}

// Assemble concatenates buffered chunks, in order, into one unit.
func Assemble(chunks [][]byte, mime audio.MIMEType, capturedAt time.Time) AudioUnit {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	buf := make([]byte, 0, size)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return AudioUnit{data: buf, mime: audio.Normalize(string(mime)), capturedAt: capturedAt.UTC()}
}

// Data returns a copy of the encoded audio.
func (u AudioUnit) Data() []byte { return bytes.Clone(u.data) }

func (u AudioUnit) Size() int                { return len(u.data) }
func (u AudioUnit) MIMEType() audio.MIMEType { return u.mime }
func (u AudioUnit) CapturedAt() time.Time    { return u.capturedAt }

// Equal reports whether both units carry byte-identical audio with the same tag.
func (u AudioUnit) Equal(o AudioUnit) bool {
	return u.mime == o.mime && bytes.Equal(u.data, o.data)
}

// Validate checks the unit is non-empty and tagged with a supported encoding.
func (u AudioUnit) Validate() error {
	if len(u.data) == 0 {
		return ErrEmptyUnit
	}
	if !audio.Supported(string(u.mime)) {
		return fmt.Errorf("%w: %s", ErrUnsupportedMIME, u.mime)
	}
	return nil
}

type wireUnit struct {
	Data       []byte    `msgpack:"data"`
	MIME       string    `msgpack:"mime"`
	Size       int       `msgpack:"size"`
	CapturedAt time.Time `msgpack:"captured_at"`
}

func (u AudioUnit) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(wireUnit{
		Data:       u.data,
		MIME:       string(u.mime),
		Size:       len(u.data),
		CapturedAt: u.capturedAt,
	})
}

func (u *AudioUnit) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireUnit
	if err := dec.Decode(&w); err != nil {
		return err
	}
	if w.Size != len(w.Data) {
		return fmt.Errorf("%w: declared %d, got %d", ErrSizeMismatch, w.Size, len(w.Data))
	}
	u.data = w.Data
	u.mime = audio.Normalize(w.MIME)
	u.capturedAt = w.CapturedAt.UTC()
	return nil
}
