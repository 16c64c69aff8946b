package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
)

// AddComment appends a comment to a CVE's flat comment list. Replies carry
// their parent's depth plus one; a reply that would exceed
// [cvehub.MaxCommentDepth] is rejected. Comment mutations drop only the
// detail cache key and never move the CVE in list ordering.
func (e *Engine) AddComment(ctx context.Context, id, content, parentID, author string) (*cvehub.Comment, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.AddComment")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.AddComment",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	if content == "" {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.AddComment",
			Kind:    cvehub.ErrInvalid,
			Message: "empty comment",
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	depth := 0
	if parentID != "" {
		i := slices.IndexFunc(cur.Comments, func(c cvehub.Comment) bool { return c.ID == parentID })
		if i < 0 {
			return nil, &cvehub.Error{
				Op:      "engine/Engine.AddComment",
				Kind:    cvehub.ErrInvalid,
				Message: fmt.Sprintf("no such parent comment: %q", parentID),
			}
		}
		depth = cur.Comments[i].Depth + 1
		if depth > cvehub.MaxCommentDepth {
			return nil, &cvehub.Error{
				Op:      "engine/Engine.AddComment",
				Kind:    cvehub.ErrInvalid,
				Message: fmt.Sprintf("comment depth exceeds %d", cvehub.MaxCommentDepth),
			}
		}
	}

	now := cvehub.Now()
	cm := cvehub.Comment{
		ID:        uuid.New().String(),
		Content:   content,
		CreatedBy: author,
		ParentID:  parentID,
		Depth:     depth,
		Mentions:  cvehub.ExtractMentions(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	comments := append(slices.Clone(cur.Comments), cm)
	if err := e.store.UpdateFields(ctx, id, map[string]any{"comments": comments}, nil); err != nil {
		return nil, err
	}

	e.invalidate(ctx, id, true)
	e.emit(ctx, id, cvehub.EventCommentAdded, map[string]any{
		"cve_id":  id,
		"comment": cm,
	})
	e.emit(ctx, id, cvehub.EventCommentCountUpdate, map[string]any{
		"cve_id": id,
		"count":  commentCount(comments),
	})
	e.record(ctx, author, cvehub.ActivityAdd, cvehub.TargetComment, id, cur.Title, nil)
	return &cm, nil
}

// UpdateComment rewrites a comment's body. Only the author may edit.
func (e *Engine) UpdateComment(ctx context.Context, id, commentID, content, editor string) (*cvehub.Comment, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.UpdateComment")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.UpdateComment",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	if content == "" {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.UpdateComment",
			Kind:    cvehub.ErrInvalid,
			Message: "empty comment",
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	comments := slices.Clone(cur.Comments)
	i, err := findComment(comments, commentID)
	if err != nil {
		return nil, err
	}
	if comments[i].CreatedBy != editor {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.UpdateComment",
			Kind:    cvehub.ErrForbidden,
			Message: "not the comment author",
		}
	}
	comments[i].Content = content
	comments[i].Mentions = cvehub.ExtractMentions(content)
	comments[i].UpdatedAt = cvehub.Now()

	if err := e.store.UpdateFields(ctx, id, map[string]any{"comments": comments}, nil); err != nil {
		return nil, err
	}
	e.invalidate(ctx, id, true)
	e.emit(ctx, id, cvehub.EventCommentUpdated, map[string]any{
		"cve_id":  id,
		"comment": comments[i],
	})
	e.record(ctx, editor, cvehub.ActivityUpdate, cvehub.TargetComment, id, cur.Title, nil)
	return &comments[i], nil
}

// DeleteComment soft-deletes a comment, keeping the thread structure for
// surviving replies. Only the author may delete.
func (e *Engine) DeleteComment(ctx context.Context, id, commentID, requester string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.DeleteComment")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return &cvehub.Error{
			Op:      "engine/Engine.DeleteComment",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	comments := slices.Clone(cur.Comments)
	i, err := findComment(comments, commentID)
	if err != nil {
		return err
	}
	if comments[i].CreatedBy != requester {
		return &cvehub.Error{
			Op:      "engine/Engine.DeleteComment",
			Kind:    cvehub.ErrForbidden,
			Message: "not the comment author",
		}
	}
	comments[i].IsDeleted = true
	comments[i].UpdatedAt = cvehub.Now()

	if err := e.store.UpdateFields(ctx, id, map[string]any{"comments": comments}, nil); err != nil {
		return err
	}
	e.invalidate(ctx, id, true)
	e.emit(ctx, id, cvehub.EventCommentDeleted, map[string]any{
		"cve_id":     id,
		"comment_id": commentID,
	})
	e.emit(ctx, id, cvehub.EventCommentCountUpdate, map[string]any{
		"cve_id": id,
		"count":  commentCount(comments),
	})
	e.record(ctx, requester, cvehub.ActivityDelete, cvehub.TargetComment, id, cur.Title, nil)
	return nil
}

func findComment(comments []cvehub.Comment, id string) (int, error) {
	i := slices.IndexFunc(comments, func(c cvehub.Comment) bool { return c.ID == id && !c.IsDeleted })
	if i < 0 {
		return -1, &cvehub.Error{
			Op:      "engine/findComment",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such comment: %q", id),
		}
	}
	return i, nil
}

func commentCount(comments []cvehub.Comment) int {
	n := 0
	for i := range comments {
		if !comments[i].IsDeleted {
			n++
		}
	}
	return n
}
