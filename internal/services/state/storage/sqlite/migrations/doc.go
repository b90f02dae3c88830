// Package migrations embeds the SQL migration scripts of the SQLite stores.
package migrations
