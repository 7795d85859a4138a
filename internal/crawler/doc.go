// Package crawler holds the run, fetch, and persistence contracts shared by
// the fetchers, the pagination driver, and the run orchestrator.
package crawler
