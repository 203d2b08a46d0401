package conversation

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/app-builder/realtime/internal/message"
)

// For any sequence of partial texts followed by one final, the log holds
// exactly one entry for the logical id and its text matches the final.
func TestStreamingCoalescingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("any partial sequence coalesces into one final entry", prop.ForAll(
		func(partials []string, finalText string) bool {
			c := New()
			for i, text := range partials {
				c.handleAgentPartial(msg(message.TypeAgentPartial, "reply", int64(i+1),
					map[string]any{"text": text}))
			}
			c.handleAgentFinal(msg(message.TypeAgentFinal, "reply", int64(len(partials)+1),
				map[string]any{"text": finalText}))

			entries := c.Entries()
			if len(entries) != 1 {
				return false
			}
			return entries[0].Type == message.TypeAgentFinal &&
				entries[0].Text() == finalText &&
				!c.Streaming()
		},
		gen.SliceOf(gen.AnyString()),
		gen.AnyString(),
	))

	properties.Property("repeated init ids yield one entry per connection", prop.ForAll(
		func(deliveries uint8) bool {
			c := New()
			for i := 0; i < int(deliveries%16)+1; i++ {
				c.handleInit(msg(message.TypeInit, "handshake", int64(i+1), map[string]any{}))
			}
			return len(c.Entries()) == 1
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// For any interleaving of timestamps, the log stays sorted ascending with
// stable order for equal stamps.
func TestLogOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("entries stay timestamp-ordered", prop.ForAll(
		func(stamps []int64) bool {
			c := New()
			for i, ts := range stamps {
				if ts < 0 {
					ts = -ts
				}
				c.handleAppend(msg(message.TypeUser, "", ts+1,
					map[string]any{"text": fmt.Sprintf("m%d", i)}))
			}

			entries := c.Entries()
			if len(entries) != len(stamps) {
				return false
			}
			for i := 1; i < len(entries); i++ {
				if entries[i-1].Timestamp > entries[i].Timestamp {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}

// For any number of update_file frames in a cycle, completion prunes them
// all and leaves exactly one completion entry.
func TestUpdateCyclePruningProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("completion leaves no working-state entries", prop.ForAll(
		func(fileCount uint8) bool {
			c := New()
			ts := int64(1)
			c.handleUpdateInProgress(msg(message.TypeUpdateInProgress, "", ts, nil))
			for i := 0; i < int(fileCount%32); i++ {
				ts++
				c.handleUpdateFile(msg(message.TypeUpdateFile, fmt.Sprintf("f%d", i), ts,
					map[string]any{"text": fmt.Sprintf("Working on file %d", i)}))
			}
			ts++
			c.handleUpdateCompleted(msg(message.TypeUpdateCompleted, "", ts, nil))

			completed := 0
			for _, e := range c.Entries() {
				switch e.Type {
				case message.TypeUpdateFile, message.TypeUpdateInProgress:
					return false
				case message.TypeUpdateCompleted:
					completed++
				}
			}
			return completed == 1
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
