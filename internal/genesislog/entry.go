package genesislog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"
)

// Type identifies the kind of a transcript entry.
type Type string

const (
	DevInstruction Type = "dev_instruction"
	AgentResponse  Type = "agent_response"
)

// Entry is a single record in the genesis transcript. Entries are immutable
// once written; the timestamp is assigned by the Store, never by the caller.
type Entry struct {
	Type      Type      `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is one line of the transcript as read back from disk. Lines that do
// not decode to an Entry are kept verbatim in Raw so the transcript is never
// silently incomplete.
type Record struct {
	Entry *Entry
	Raw   string
}

// MarshalJSON renders parsed entries as objects and unparsed lines as plain
// JSON strings.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Entry != nil {
		return json.Marshal(r.Entry)
	}
	return json.Marshal(r.Raw)
}

// UnmarshalJSON accepts either form produced by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		r.Entry = nil
		return json.Unmarshal(data, &r.Raw)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r.Entry, r.Raw = &e, ""
	return nil
}

// ParseTranscript splits raw log content into records in file order.
// Blank lines are skipped.
func ParseTranscript(data []byte) []Record {
	records := []Record{}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if e, ok := decodeEntry(line); ok {
			records = append(records, Record{Entry: e})
			continue
		}
		records = append(records, Record{Raw: string(line)})
	}
	return records
}

// entryLine mirrors Entry with every field required.
type entryLine struct {
	Type      *Type      `json:"type"`
	Payload   *string    `json:"payload"`
	Timestamp *time.Time `json:"timestamp"`
}

// decodeEntry accepts a line only if it is exactly one known entry: a known
// type, a payload and a timestamp, and no other fields.
func decodeEntry(line []byte) (*Entry, bool) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var l entryLine
	if err := dec.Decode(&l); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	if l.Type == nil || l.Payload == nil || l.Timestamp == nil {
		return nil, false
	}
	if *l.Type != DevInstruction && *l.Type != AgentResponse {
		return nil, false
	}
	return &Entry{Type: *l.Type, Payload: *l.Payload, Timestamp: *l.Timestamp}, true
}

// Unanswered returns the indices of dev_instruction records that have no
// matching agent_response. Responses are paired with instructions first in,
// first out, so the result counts unanswered instructions exactly and
// identifies them on a best-effort basis when chats overlapped.
//
// A non-empty result means either the agent call failed or the process
// stopped between forwarding an instruction and logging the reply.
func Unanswered(records []Record) []int {
	var pending []int
	for i, r := range records {
		if r.Entry == nil {
			continue
		}
		switch r.Entry.Type {
		case DevInstruction:
			pending = append(pending, i)
		case AgentResponse:
			if len(pending) > 0 {
				pending = pending[1:]
			}
		}
	}
	return pending
}

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// encodeEntry serialises an entry as one newline-terminated log line.
func encodeEntry(e *Entry) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func countLines(data []byte) int {
	n := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
