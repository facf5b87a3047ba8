package signalr

import "fmt"

// ConnectError returned by Start when the transport could not establish the initial connection.
type ConnectError string

func (ce ConnectError) Error() string {
	return fmt.Sprintf("ConnectError: %s", string(ce))
}

//ConnectionLostError used to fail pending invocations once the transport dropped and reconnecting gave up.
type ConnectionLostError string

// Error implement Error interface
func (cle ConnectionLostError) Error() string {
	return fmt.Sprintf("ConnectionLostError: %s", string(cle))
}

//ConnectionClosedError used to fail pending invocations when the consumer calls Stop.
type ConnectionClosedError string

// Error implement Error interface
func (cce ConnectionClosedError) Error() string {
	return fmt.Sprintf("ConnectionClosedError: %s", string(cce))
}

//InvalidOperationError returned when an operation is attempted in a state that forbids it.
type InvalidOperationError string

// Error implement Error interface
func (ioe InvalidOperationError) Error() string {
	return fmt.Sprintf("InvalidOperationError: %s", string(ioe))
}

//RemoteInvocationError carries the error text the hub reported for a single invocation.
type RemoteInvocationError string

// Error implement Error interface
func (rie RemoteInvocationError) Error() string {
	return fmt.Sprintf("RemoteInvocationError: %s", string(rie))
}

//NegotiationError error created when negotiation step of connection fails.
type NegotiationError string

// Error implement Error interface
func (ne NegotiationError) Error() string {
	return fmt.Sprintf("NegotiationError: %s", string(ne))
}

//SocketConnectionError error created when connectWebSocket step of connection fails.
type SocketConnectionError string

// Error implement Error interface
func (sce SocketConnectionError) Error() string {
	return fmt.Sprintf("SocketConnectionError: %s", string(sce))
}

//SocketError error created when websocket.ReadMessage or websocket.WriteMessage returns an error..
type SocketError string

// Error implement Error interface
func (se SocketError) Error() string {
	return fmt.Sprintf("SocketError: %s", string(se))
}

//TimeoutError error created when the keep-alive monitor gives up on a silent connection.
type TimeoutError string

// Error implement Error interface
func (te TimeoutError) Error() string {
	return fmt.Sprintf("TimeoutError: %s", string(te))
}

//HubMessageError error created when unable to parse a message coming from the hub.
type HubMessageError string

//Error implement the error interface
func (hme HubMessageError) Error() string {
	return fmt.Sprintf("HubMessageError: %s", string(hme))
}

// CallHubError error generated during an attempt to send a message to the Signalr hub
type CallHubError string

func (che CallHubError) Error() string {
	return fmt.Sprintf("CallHubError: %s", string(che))
}
