// Package pagination walks cursor-paginated Admin API listings one page at a
// time.
//
// Shopify REST listings hand out an opaque page_info cursor in the Link header.
// Once a cursor is in play the request may carry nothing but the cursor (and
// limit): filters are rejected. The paginator therefore sends the page size and
// the caller's filters on the first call only, and afterwards exactly the query
// the previous page pointed to.
//
// Example usage:
//
//	pager := pagination.New(executor, pagination.DefaultConfig())
//	pages, err := pager.FetchAll(ctx, pagination.RESTPages(shopClient, "pages.json", "pages"), url.Values{
//		"published_status": {"any"},
//	})
//
// Every page request goes through the client.Executor, so it is rate limited
// and retried like any other call. Pages are fetched strictly in sequence.
package pagination
