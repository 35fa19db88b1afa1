// Package core holds the cleansing and star-schema loading logic of the
// Chinook warehouse, independent of any store or transport. Stores plug in
// through [Source] and [Target]; the web server and the etl command drive
// it through [Service] and [Pipeline].
//
// # Registry
//
// Source tables, cleansing rules, dimension plans and the fact plan are
// registered at init time (see package tables) and snapshotted by
// [DefaultDefinition]:
//
//	core.RegisterSource(core.SourceTable{Name: "Genre", Columns: []string{"GenreId", "Name"}, Key: []string{"GenreId"}})
//	core.RegisterRule(core.Rule{Table: "Genre", Kind: core.KindTrim, Columns: []string{"Name"}})
//	core.RegisterDimension(core.DimensionPlan{Entity: "Genre", Table: "DimGenre", ...})
//
// Extra rules can be added from YAML with [LoadRulesFile] and
// [Definition.WithRules].
//
// # Runs
//
// A run passes through fixed stages:
//
//  1. validate: rules and plans are checked against the declared tables,
//     dimension waves are computed and both stores are pinged
//  2. cleanse: every source table is extracted and the [Engine] applies
//     the rules in registration order
//  3. reset (reset mode only): fact and dimension tables are emptied in
//     one transaction, children first
//  4. dimensions: each wave of independent dimensions loads concurrently,
//     inserting only natural keys the target does not hold yet
//  5. key-mapping: the [KeyMap] is rebuilt from the target
//  6. facts: [AssembleFacts] resolves surrogate keys, computes
//     TotalAmount = Quantity * UnitPrice exactly and appends new lines
//
// A failure returns a [StageError] carrying the partial [RunReport].
// Stages before the failure stay committed; loads are idempotent, so the
// next run picks up where this one stopped.
//
// # Error Handling
//
// Error kinds are typed: [ConfigurationError] (fatal, raised before any
// write), [ConnectivityError], [StageError] and [ErrRunInProgress].
// [MapError] maps any of them to a user message with a stable code
// (CFG, DB, RUN, QRY, STG, REQ and RATE series).
//
// # Queries
//
// [BuildFactQuery] renders an aggregation over FactSales joined to its
// dimensions through surrogate keys, in the [Dialect] of the target.
package core
