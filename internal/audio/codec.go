package audio

import (
	"fmt"
	"strings"
)

// MIMEType tags an opaque encoded audio buffer.
type MIMEType string

const (
	MIMEWebMOpus MIMEType = "audio/webm;codecs=opus"
	MIMEWAV      MIMEType = "audio/wav"
)

// DefaultMIME is applied to units that arrive without a tag.
const DefaultMIME = MIMEWebMOpus

// format describes how a supported encoding is produced and played locally.
// The relay itself never decodes.
type format struct {
	ffmpegMuxer string // -f value when capturing
	ffmpegCodec string // -c:a value when capturing
	extension   string
}

// formats maps each supported MIME tag to its capture settings.
var formats = map[MIMEType]format{
	MIMEWebMOpus: {ffmpegMuxer: "webm", ffmpegCodec: "libopus", extension: ".webm"},
	MIMEWAV:      {ffmpegMuxer: "wav", ffmpegCodec: "pcm_s16le", extension: ".wav"},
}

// Normalize lowercases the tag, strips whitespace around parameters and
// substitutes DefaultMIME for an empty tag.
func Normalize(mime string) MIMEType {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" {
		return DefaultMIME
	}
	parts := strings.Split(mime, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return MIMEType(strings.Join(parts, ";"))
}

// Supported reports whether mime (after normalisation) is a registered encoding.
func Supported(mime string) bool {
	_, ok := formats[Normalize(mime)]
	return ok
}

func lookup(mime MIMEType) (format, error) {
	f, ok := formats[Normalize(string(mime))]
	if !ok {
		return format{}, fmt.Errorf("unsupported mime type: %s", mime)
	}
	return f, nil
}

// Extension returns the file extension conventionally used for mime.
func Extension(mime MIMEType) string {
	f, err := lookup(mime)
	if err != nil {
		return ".bin"
	}
	return f.extension
}

// EncoderArgs returns the ffmpeg output arguments that produce mime.
func EncoderArgs(mime MIMEType) ([]string, error) {
	f, err := lookup(mime)
	if err != nil {
		return nil, err
	}
	return []string{"-c:a", f.ffmpegCodec, "-f", f.ffmpegMuxer}, nil
}
