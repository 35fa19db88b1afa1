// Package tables registers the Chinook source tables, cleansing rules,
// dimension plans and the sales fact plan with the core registry.
// Import this package for its side effects before building a pipeline.
package tables

// Each file registers one area of the schema from init().
