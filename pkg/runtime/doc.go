/*
Package runtime abstracts the container hosting platform behind the
Runtime interface.

Two implementations exist:

  - ContainerdRuntime runs real worker containers through containerd.
    Workers share the host network namespace and serve a small loopback
    control API (health, stats, job dispatch, job status) on a port
    assigned at container creation. Completion is detected by polling
    the worker and surfaced on the Results channel.

  - FakeRuntime is an in-process implementation for tests and the dev
    server. Containers are plain records; completion is driven manually
    or by AutoComplete.

The orchestrator never blocks on job execution: Dispatch returns as
soon as the worker accepts the job, and the outcome arrives later as an
asynchronous Result.
*/
package runtime
