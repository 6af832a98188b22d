// Package tool contains the backend connectors the chat pipeline can route a
// query to (Confluence, Bitbucket, PostgreSQL, GraphQL and static snippets),
// together with the registry that resolves tool-scoped requests and fans a
// query out across all enabled tools concurrently.
package tool
