// Package cvehub holds the domain model shared by every component of the
// aggregator: the CVE document and its embedded collections, users and
// tokens, notifications, activity records, the severity and status enums,
// the push event catalog, and the error domain type.
//
// Packages under this module accept these types at their boundaries and
// return them from queries; none of them carry behavior beyond
// normalization and serialization.
package cvehub
