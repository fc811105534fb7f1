// Package testutil holds helpers shared by tests that talk to real Sprites:
// credential loading, unique Sprite names, deadline-aware contexts and a
// registry of created Sprites so a TestMain can delete whatever individual
// tests leave behind.
package testutil
