// Package crawler implements the crawl engine: the URL frontier, content and
// domain filtering, robots compliance, link and pagination discovery, the
// dispatch gate and the session orchestrator that ties them together.
package crawler
