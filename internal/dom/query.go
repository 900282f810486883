package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/webclaw/internal/cdp"
)

// QueryOptions bound the optional wait-for-selector loop
type QueryOptions struct {
	Wait time.Duration // total window to wait for a first match, 0 = single attempt
	Poll time.Duration // re-query interval, default 100ms
	Root *Handle       // scope CSS queries to this element's subtree
}

// Query finds elements by CSS selector, or by XPath when the selector
// starts with // or an explicit xpath= prefix. With a Wait window the query
// re-runs until something matches; zero matches after the window returns
// *NotFoundError.
func Query(ctx context.Context, p Page, selector string, opts QueryOptions) ([]Handle, error) {
	poll := opts.Poll
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	deadline := time.Now().Add(opts.Wait)
	for {
		handles, err := queryOnce(ctx, p, selector, opts.Root)
		if err != nil {
			return nil, err
		}
		if len(handles) > 0 {
			return handles, nil
		}
		if opts.Wait <= 0 || time.Now().After(deadline) {
			return nil, &NotFoundError{Selector: selector, URL: p.URL()}
		}

		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "xpath=")
}

func queryOnce(ctx context.Context, p Page, selector string, root *Handle) ([]Handle, error) {
	// Handles carry the generation the query ran under. Read it before
	// touching the DOM so a mid-query navigation yields handles that are
	// already stale rather than handles that lie about their age.
	gen := p.Generation()

	var nodeIDs []int
	var err error
	if isXPath(selector) {
		// Search runs document-wide; the protocol cannot scope it
		nodeIDs, err = searchXPath(ctx, p, strings.TrimPrefix(selector, "xpath="))
	} else {
		nodeIDs, err = searchCSS(ctx, p, selector, root)
	}
	if err != nil {
		return nil, err
	}

	handles := make([]Handle, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if id == 0 {
			continue
		}
		backendID, err := backendFor(ctx, p, id)
		if err != nil {
			// Node vanished between search and describe; skip it
			var cmdErr *cdp.CommandError
			if errors.As(err, &cmdErr) {
				continue
			}
			return nil, err
		}
		handles = append(handles, Handle{
			TargetID:      p.TargetID(),
			Generation:    gen,
			BackendNodeID: backendID,
		})
	}
	return handles, nil
}

func searchCSS(ctx context.Context, p Page, selector string, root *Handle) ([]int, error) {
	var rootNodeID int
	if root != nil {
		if err := CheckFresh(p, *root); err != nil {
			return nil, err
		}
		var push struct {
			NodeIDs []int `json:"nodeIds"`
		}
		err := p.Call(ctx, "DOM.pushNodesByBackendIdsToFrontend",
			map[string]any{"backendNodeIds": []int{root.BackendNodeID}}, &push)
		if err != nil {
			return nil, fmt.Errorf("resolve query root: %w", err)
		}
		if len(push.NodeIDs) == 0 || push.NodeIDs[0] == 0 {
			return nil, &StaleError{Handle: *root, Current: p.Generation()}
		}
		rootNodeID = push.NodeIDs[0]
	} else {
		var doc struct {
			Root struct {
				NodeID int `json:"nodeId"`
			} `json:"root"`
		}
		if err := p.Call(ctx, "DOM.getDocument", map[string]int{"depth": 0}, &doc); err != nil {
			return nil, fmt.Errorf("read document root: %w", err)
		}
		rootNodeID = doc.Root.NodeID
	}

	var res struct {
		NodeIDs []int `json:"nodeIds"`
	}
	err := p.Call(ctx, "DOM.querySelectorAll",
		map[string]any{"nodeId": rootNodeID, "selector": selector}, &res)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	return res.NodeIDs, nil
}

func searchXPath(ctx context.Context, p Page, query string) ([]int, error) {
	var search struct {
		SearchID    string `json:"searchId"`
		ResultCount int    `json:"resultCount"`
	}
	err := p.Call(ctx, "DOM.performSearch",
		map[string]any{"query": query, "includeUserAgentShadowDOM": false}, &search)
	if err != nil {
		return nil, fmt.Errorf("xpath search %q: %w", query, err)
	}
	defer p.Call(ctx, "DOM.discardSearchResults", map[string]string{"searchId": search.SearchID}, nil)

	if search.ResultCount == 0 {
		return nil, nil
	}

	var res struct {
		NodeIDs []int `json:"nodeIds"`
	}
	err = p.Call(ctx, "DOM.getSearchResults", map[string]any{
		"searchId":  search.SearchID,
		"fromIndex": 0,
		"toIndex":   search.ResultCount,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("xpath results %q: %w", query, err)
	}
	return res.NodeIDs, nil
}

func backendFor(ctx context.Context, p Page, nodeID int) (int, error) {
	var res struct {
		Node struct {
			BackendNodeID int `json:"backendNodeId"`
		} `json:"node"`
	}
	err := p.Call(ctx, "DOM.describeNode", map[string]int{"nodeId": nodeID}, &res)
	if err != nil {
		return 0, err
	}
	return res.Node.BackendNodeID, nil
}
