// Package crawler defines the shared vocabulary of the crawl engine: the
// per-controller configuration, frontier entries, fetch request/response
// types, the visitor callback contract, crawl statistics, URL normalization,
// and the error kinds every other package reports through.
package crawler
