package model

// MaxPostLength is the provider's per-post limit, counted in runes.
const MaxPostLength = 280

// MaxChainLength caps how many posts one chain request may publish.
const MaxChainLength = 25

// PostResult is a successfully published post.
type PostResult struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ChainResult reports how far a chain got.
//
// Partial success is a normal outcome: if item 3 of 5 fails, Posted holds
// items 0..2, StoppedAtIndex points at 3 and Err says why. Nothing already
// posted is rolled back. The caller can resume by passing the last Posted
// id as the next request's InReplyTo.
type ChainResult struct {
	Posted         []PostResult `json:"posted"`
	PostedCount    int          `json:"postedCount"`
	StoppedAtIndex *int         `json:"stoppedAtIndex"`
	Err            error        `json:"-"`
}

// Complete reports whether every item was published.
func (r *ChainResult) Complete() bool {
	return r.StoppedAtIndex == nil && r.Err == nil
}

// ChainOptions tunes a chain publish.
type ChainOptions struct {
	// InReplyTo makes the first item a reply to an existing post.
	InReplyTo string
}
