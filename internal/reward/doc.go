// Package reward implements the heuristic quality score used by the
// reflexion loop to decide whether a revision improved on the previous one.
package reward
