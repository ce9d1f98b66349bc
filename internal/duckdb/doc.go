// Package duckdb opens DuckDB databases and builds the queries run against them.
//
// The query builder generates SQL only and does not execute it:
//
//	q, args, err := duckdb.NewQueryBuilder("profile_samples").
//	    Select("stack_frame_ids", "SUM(sample_count)").
//	    TimeRange(start, end).
//	    Eq("hostname", host).
//	    GroupBy("stack_frame_ids").
//	    Build()
package duckdb
