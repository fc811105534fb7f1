// Package loop runs the iteration loop for a session.
//
// A Controller repeatedly pushes the session documents to the execution
// environment, invokes the agent once, pulls back what the agent reported and
// decides whether to continue, complete or pause. Every decision is persisted
// in the session document before the next pass, so a crashed or interrupted
// run can be continued from the last recorded iteration.
//
// Decide and IsStuck are pure and carry the decision rules; the Controller
// owns sequencing, limits and persistence.
package loop
