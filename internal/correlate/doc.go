// Package correlate is hush's correlation engine. It folds alerts sharing a
// group key into incidents within a time window, re-scores and re-explains an
// incident on every fold, and exposes the query, suppression, purge and
// snapshot operations the API and persistence layers build on.
package correlate
