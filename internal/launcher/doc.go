// Package launcher supervises the backend and frontend as sibling OS
// processes. The group lives and dies together: the first child to exit ends
// the run and its status becomes the launcher's own exit code, letting the
// hosting platform handle replacement instead of restarting in place.
package launcher
