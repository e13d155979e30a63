// Package types defines the measurement model shared by the agent packages.
// A Point is the normalized form of one Kwollect record; Point.MarshalJSON
// writes it back in the record shape the API returns.
package types
