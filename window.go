package plughost

// Window is a native top-level window hosting a plugin editor.
type Window interface {
	// Handle is passed to the plugin UI as its parent.
	Handle() uintptr
	SetSize(width, height int)
	Close() error
}

// WindowFactory creates editor windows. Without one the editor is opened
// with a zero parent, which headless UIs accept.
type WindowFactory interface {
	NewWindow(title string, width, height int) (Window, error)
}

// WindowFactoryFunc adapts a function into a WindowFactory.
type WindowFactoryFunc func(title string, width, height int) (Window, error)

func (f WindowFactoryFunc) NewWindow(title string, width, height int) (Window, error) {
	return f(title, width, height)
}
