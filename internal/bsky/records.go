package bsky

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const feedPostCollection = "app.bsky.feed.post"

// RecordRef points at a record by AT-URI and CID.
type RecordRef struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

// ReplyRef threads a post under a parent. Root is the thread root; for a
// direct reply to a top-level post both refs are the same.
type ReplyRef struct {
	Root   RecordRef `json:"root"`
	Parent RecordRef `json:"parent"`
}

// FeedPost is the app.bsky.feed.post record shape the bot writes.
type FeedPost struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Langs     []string  `json:"langs,omitempty"`
}

// CreatePost writes a feed post record (com.atproto.repo.createRecord) and
// returns the ref of the created record. reply is nil for top-level posts.
func (c *Client) CreatePost(ctx context.Context, text string, reply *ReplyRef, langs []string) (RecordRef, error) {
	did := c.Did()
	if did == "" {
		return RecordRef{}, fmt.Errorf("bsky: createPost without session; call Login first")
	}

	input := map[string]any{
		"repo":       did,
		"collection": feedPostCollection,
		"record": FeedPost{
			Type:      feedPostCollection,
			Text:      text,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Reply:     reply,
			Langs:     langs,
		},
	}
	var out RecordRef
	if err := c.doAuthed(ctx, kindProcedure, "com.atproto.repo.createRecord", nil, input, &out); err != nil {
		return RecordRef{}, err
	}
	return out, nil
}

// DeletePost removes a previously created feed post
// (com.atproto.repo.deleteRecord), addressed by its AT-URI.
func (c *Client) DeletePost(ctx context.Context, uri string) error {
	did := c.Did()
	if did == "" {
		return fmt.Errorf("bsky: deletePost without session; call Login first")
	}
	rkey, err := recordKey(uri)
	if err != nil {
		return err
	}
	input := map[string]any{
		"repo":       did,
		"collection": feedPostCollection,
		"rkey":       rkey,
	}
	return c.doAuthed(ctx, kindProcedure, "com.atproto.repo.deleteRecord", nil, input, nil)
}

// recordKey extracts the rkey from an AT-URI like
// "at://did:plc:abc/app.bsky.feed.post/3k44deefam52a".
func recordKey(uri string) (string, error) {
	trimmed := strings.TrimPrefix(uri, "at://")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("bsky: malformed at-uri %q", uri)
	}
	return parts[2], nil
}
