package signalr

import "context"

//Connection specify interface methods that allow consumer to interact with a connection type.
type Connection interface {
	State() ConnectionState

	// Start connects through transport. Only valid while Disconnected.
	Start(ctx context.Context, transport Transport) error
	// Stop disconnects from any state and fails every pending invocation with ConnectionClosedError.
	Stop() error

	CreateHubProxy(hubName string) (*HubProxy, error)

	KeepAliveData() KeepAliveData
	SetKeepAliveData(KeepAliveData) error

	// Handler registrations. Each returns a func that removes the handler.
	OnStateChanged(func(StateChange)) func()
	OnReconnecting(func()) func()
	OnReconnected(func()) func()
	OnConnectionSlow(func()) func()
	OnError(func(error)) func()
}
