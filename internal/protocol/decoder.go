package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/aigoflow/arena/internal/models"
)

// Decoder splits stream fragments into lines and parses each line into an
// Event. A trailing partial line is carried over to the next fragment.
// Decoder is not safe for concurrent use; each stream owns one.
type Decoder struct {
	partial []byte
	logger  *slog.Logger
}

// NewDecoder creates a line decoder. A nil logger uses slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Events lazily yields the events completed by fragment. The sequence must
// be ranged over: bytes are only consumed as events are pulled. Stopping
// early keeps the unread lines for the next call, so decoding always
// resumes at a line boundary.
func (d *Decoder) Events(fragment []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		buf := append(d.partial, fragment...)
		d.partial = nil

		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				if len(buf) > 0 {
					d.partial = bytes.Clone(buf)
				}
				return
			}
			line := buf[:i]
			buf = buf[i+1:]

			ev, ok := d.decode(line)
			if !ok {
				continue
			}
			if !yield(ev) {
				if len(buf) > 0 {
					d.partial = bytes.Clone(buf)
				}
				return
			}
		}
	}
}

// Feed eagerly decodes fragment and returns the completed events
func (d *Decoder) Feed(fragment []byte) []Event {
	var events []Event
	for ev := range d.Events(fragment) {
		events = append(events, ev)
	}
	return events
}

// Flush decodes whatever partial line is buffered, for use at end of stream
func (d *Decoder) Flush() []Event {
	if len(d.partial) == 0 {
		return nil
	}
	return d.Feed([]byte{'\n'})
}

// Pending returns the number of buffered bytes of an incomplete line
func (d *Decoder) Pending() int {
	return len(d.partial)
}

func (d *Decoder) decode(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return nil, false
	}
	ev, err := ParseLine(string(line))
	if err != nil {
		d.logger.Warn("Dropping undecodable stream line", "error", err, "line", truncate(string(line), 120))
		return nil, false
	}
	return ev, ev != nil
}

// ParseLine parses one protocol line. Lines with an unknown prefix yield a
// nil event and no error, so newer servers can add event kinds.
func ParseLine(line string) (Event, error) {
	if len(line) < 3 || line[2] != ':' {
		return nil, nil
	}

	var participant models.Participant
	switch line[0] {
	case 'a':
		participant = models.ParticipantA
	case 'b':
		participant = models.ParticipantB
	default:
		return nil, nil
	}

	payload := line[3:]
	switch line[1] {
	case '0':
		text, err := Unescape(unquote(payload))
		if err != nil {
			return nil, fmt.Errorf("participant %s chunk: %w", participant, err)
		}
		return ChunkEvent{Participant: participant, Text: text}, nil
	case 'd':
		var body struct {
			FinishReason string `json:"finishReason"`
			Error        string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return nil, fmt.Errorf("%w: participant %s completion: %v", ErrMalformedFrame, participant, err)
		}
		if body.FinishReason == "" {
			return nil, fmt.Errorf("%w: participant %s completion without finishReason", ErrMalformedFrame, participant)
		}
		return CompleteEvent{
			Participant: participant,
			Reason:      FinishReason(body.FinishReason),
			Error:       body.Error,
		}, nil
	}
	return nil, nil
}

// unquote strips one enclosing pair of double quotes. The server wraps
// every chunk in quotes but never escapes quotes inside it.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxLen], "") + "..."
}
