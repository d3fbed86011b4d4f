package searchctx

import "strings"

// Context is one persisted search: the ordered result IDs, the parameters
// that produced them, and when. Timestamp is Unix milliseconds.
type Context struct {
	ResultIDs []string `json:"resultIds"`
	Params    Params   `json:"searchParams"`
	Timestamp int64    `json:"timestamp"`
}

// Navigation locates one asset within a result list. Position is 1-based;
// a zero Total means the asset was not found.
type Navigation struct {
	Prev     string
	Next     string
	Position int
	Total    int
}

// Navigate resolves previous/next navigation for id within the context's
// results. Exact matches win; failing that, a substring match either way
// covers IDs persisted in a different format.
func (c Context) Navigate(id string) Navigation {
	if len(c.ResultIDs) == 0 {
		return Navigation{}
	}

	index := -1
	for i, rid := range c.ResultIDs {
		if rid == id {
			index = i
			break
		}
	}
	if index == -1 {
		for i, rid := range c.ResultIDs {
			if strings.Contains(rid, id) || strings.Contains(id, rid) {
				index = i
				break
			}
		}
	}
	if index == -1 {
		return Navigation{}
	}

	nav := Navigation{
		Position: index + 1,
		Total:    len(c.ResultIDs),
	}
	if index > 0 {
		nav.Prev = c.ResultIDs[index-1]
	}
	if index < len(c.ResultIDs)-1 {
		nav.Next = c.ResultIDs[index+1]
	}
	return nav
}
