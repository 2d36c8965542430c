/*
Package session drives a line-oriented interactive tool as a long-lived child process shared by many independent callers.

A Session owns at most one live child. The child is spawned lazily on the first Execute (or eagerly with Start) and respawned on the next call after it exits. Each spawn gets exactly one drain goroutine that copies the child's merged stdout and stderr, line by line, into an OutputBuffer shared with the session. A separate goroutine reaps the child, and liveness follows the child's exit rather than the end of its output, which descendants of the child may keep open.

Execute runs as a single critical section:

 1. Ensure the child is running, spawning it if needed.
 2. Write each command followed by a newline to the child's stdin.
 3. Sleep for the settle interval.
 4. Drain everything currently buffered and return it.

The child's protocol has no framing or request IDs, so the only correlation between a batch of commands and its output is the settle window plus mutual exclusion against other callers. Output that arrives after the window closes is returned by the next Execute. Callers that need stronger guarantees need a child that emits explicit terminators.

OneShot is the non-persistent flavor: every Run launches a fresh child, pipes the commands plus a terminating exit command into it and waits for it to finish within a timeout.
*/
package session
