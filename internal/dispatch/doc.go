// Package dispatch runs jobs of one kind through a lazily started external
// program.
//
// A Supervisor owns an unbounded FIFO queue and at most one worker. Submit
// enqueues and, if no worker is live, starts one. The worker takes jobs in
// order and spawns one process per job: the payload goes to stdin, stdout and
// stderr are captured, and the kind's Decoder turns the output into a typed
// result that resolves the job's future. A failed job never stops the worker.
//
// Timeout handling:
//   - Each kind has a job timeout (kinds.<kind>.job_timeout, 0 disables it)
//   - On expiry the process group gets SIGTERM
//   - After a 5 second grace period SIGKILL is sent if it is still running
//   - The job is resolved with ErrJobTimeout and logged as timed_out
//
// Error handling:
//   - Program cannot start → SpawnError
//   - Decoder rejects the output → the decoder's error
//   - Runner or decoder panic → ErrWorkerPanic
//   - Shutdown deadline reached → ErrClosed
//
// A worker that sees no job for the idle timeout retires. Retirement and the
// enqueue/start check in Submit are serialized, so the next Submit after a
// retirement always starts a fresh worker.
package dispatch
