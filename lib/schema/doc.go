// Package schema describes the closed set of document collections (Mailbox,
// Email, Thread, Identity), their typed fields, how each field is indexed and
// how full-text fields are tokenized.
//
// Values carry a SortKey whose byte order equals the value order, which is
// what the secondary index stores. Tokenize folds case and strips diacritics
// before splitting text.
package schema
