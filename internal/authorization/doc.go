// Package authorization implements the challenge/token protocol every
// privileged subsystem uses: a client requests a challenge, has it
// authenticated by the flow engine, and replays the minted token to the
// privileged operation, which accepts it only while the challenge is still
// issued.
package authorization
