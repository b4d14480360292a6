// Package workspace manages per-build working directories.
//
// Every build gets its own directory below the workspace root, named after the
// build id. The directory receives a copy of the site project, is handed to the
// external compiler, and is removed once the build finished or was canceled.
// Removal is idempotent: removing a directory that is already gone succeeds.
package workspace
