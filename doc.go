// Package dlaqueue implements the task queue engine of a deep learning
// accelerator: it builds firmware task descriptors, pins the buffers a task
// uses, submits tasks to per-context hardware queues, and reaps them when the
// queue's syncpoint (a monotonic hardware counter) reaches each task's
// completion value.
//
// # Collaborators
//
// The engine does not talk to hardware directly. A [Device] bundles the
// services it consumes:
//
//   - [Syncpoints], the counter service, which assigns completion values and
//     calls back ([Notifier]) when they expire
//   - [BufferPinner] and [DMABufProvider], which resolve opaque buffer handles
//     to device addresses, and map the indirect address-list buffer
//   - [DeviceMemory], which allocates the device-addressable descriptor blobs
//   - [CommandChannel], the firmware mailbox
//   - [Power], the activity reference count of the engine
//
// Software implementations of each of these live in the sub-packages syncpt,
// dmabuf, devmem, falcon and pm.
//
// # Task lifecycle
//
// A task is created with [Queue.AllocTask], which validates the fences,
// lays out and fills the descriptor blob ([Layout]), and pins the task's
// buffers. [Queue.Submit] links it into the queue's in-flight list, assigns
// its completion value, and sends it to the firmware. When the syncpoint
// service reports completion the queue reaps every finished task, in
// submission order. [Queue.Abort] flushes the firmware queue and forces the
// syncpoint forward, releasing everything in flight.
//
// Tasks are owned by their queue, and are addressed by [TaskID]. They are
// reference counted: the allocation holds one reference, the in-flight list
// holds another, and [Queue.Acquire] / [Queue.Release] may be used to hold
// additional references.
//
// # Concurrency
//
// Submission and completion are serialized on a per-queue lock. Completion
// notifications are never delivered synchronously from within Submit, the
// syncpoint service dispatches them from its own execution context.
package dlaqueue
