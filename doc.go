/*
Package seqnet implements length-prefixed message transport over pipelines
of components whose work is ordered by a hierarchical sequencer.

Sequencer runs callbacks in FIFO order per key. Keys are '/' separated paths:

  seq := seqnet.NewSequencer()
  h := seq.GetSequencerHandle("conn/7/recv")
  h.SequenceCallback(func(state interface{}) { ... }, nil)

Callbacks on one key never overlap. A callback on "conn/7" waits until
everything already in flight below it has completed. Once it runs,
callbacks sequenced below it do not wait for it. Callbacks run on an Executor, one goroutine
per callback unless a WorkerPool is supplied with WithExecutor.

Every pipeline component embeds a Lifecycle, the Initial, Starting, Active,
Stopping, Stopped state machine, and runs each transition and each datum
through its own Handle. Components talk through four contracts:

  RecvServer  Start, Stop
  SendServer  RecvServer plus Send, SendRange, SendBuffers
  RecvClient  Recv, RecvStopped
  SendClient  SendStopped

On the wire every message is preceded by its length as 10 ASCII decimal
digits:

  |0000000005|hello|

SocketHandler reads whole frames from a net.Conn and writes what it is sent.
PacketRecver reassembles messages from arbitrarily split slices and
PacketSender prepends the header. Conn assembles the three on one
connection, Server accepts connections and Dial opens one.

Server represents a TCP server with various ServerOption supported.

1. Provides TLS server by TLSCredsOption;
2. Provides callback on connected by OnConnectOption;
3. Provides callback on message arrived by OnMessageOption;
4. Provides callback on closed by OnCloseOption;
5. Provides callback on error occurred by OnErrorOption;
6. Provides periodic callback per connection by OnScheduleOption;
7. Caps connections, message size and accept rate.

TimingWheel is a safe timer for running timed callbacks on connection; they
run in the connection's receive domain, never concurrently with onMessage.

Faults stop a component with a *StopError whose Kind tells configuration,
transport, framing and callback faults apart; the stop propagates along the
pipeline and every client learns the reason.
*/
package seqnet
