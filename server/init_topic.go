/******************************************************************************
 *
 *  Description :
 *
 *    Topic initilization routines: recovery of the feed index and the
 *    message history from the network.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tinode/swarmagg/server/msgstate"
	"github.com/tinode/swarmagg/server/swarm"
)

// topicInit recovers the topic from its feed. On failure the topic is removed from
// the hub so the next message for it creates a new topic and retries recovery.
func (h *Hub) topicInit(t *Topic) {
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.initTimeout)
	defer cancel()

	err := h.recoverTopic(ctx, t)
	if err != nil {
		h.log.Error.Printf("topic[%s]: failed to recover: %v", t.name, err)
		statsInc("TopicInitErrors", 1)
	}

	t.finishInit(err)

	if err != nil {
		h.topicDel(t)
	}
}

// recoverTopic sets the topic's index to the one after the feed head and restores
// the latest generation of the message history.
func (h *Hub) recoverTopic(ctx context.Context, t *Topic) error {
	head, err := h.reader.ReadFeed(ctx, t.name)
	if err != nil {
		if swarm.IsNotFound(err) {
			h.log.Warning.Printf("topic[%s]: feed not found, starting fresh", t.name)
			t.index = 0
			return nil
		}
		return fmt.Errorf("read feed: %w", err)
	}

	t.index = head.Index + 1
	h.log.Info.Printf("topic[%s]: feed head at %d", t.name, head.Index)

	var payload feedPayload
	if err := json.Unmarshal(head.Payload, &payload); err != nil {
		// The index is known, the history is lost.
		h.log.Error.Printf("topic[%s]: failed to parse feed payload at %d: %v", t.name, head.Index, err)
		return nil
	}

	latest, ok := msgstate.Latest(payload.MessageStateRefs)
	if !ok {
		return nil
	}

	data, err := h.fetchChunk(ctx, latest.Reference)
	if err != nil {
		return fmt.Errorf("history chunk %s: %w", latest.Reference, err)
	}

	var buffer []json.RawMessage
	if err := json.Unmarshal(data, &buffer); err != nil {
		// Replacing this chunk with a partial history would lose messages.
		return fmt.Errorf("history chunk %s: %w", latest.Reference, err)
	}

	t.state.Restore(buffer, payload.MessageStateRefs)
	h.log.Info.Printf("topic[%s]: restored %d messages, %d chunks", t.name, len(t.state.Buffer()), len(t.state.Refs()))
	return nil
}

// fetchChunk downloads a history chunk from the network falling back to the archive.
func (h *Hub) fetchChunk(ctx context.Context, ref string) ([]byte, error) {
	data, err := h.reader.DownloadBlob(ctx, ref)
	if err == nil || h.archive == nil {
		return data, err
	}

	h.log.Warning.Printf("topic: chunk %s download failed, trying archive: %v", ref, err)
	data, aerr := h.archive.Get(ctx, ref)
	if aerr != nil {
		h.log.Warning.Printf("archive: chunk %s: %v", ref, aerr)
		return nil, err
	}
	return data, nil
}
