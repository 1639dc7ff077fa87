// Package registry holds the named workflows a server can run.
//
// There is no package-level registry: main builds one, registers each
// workflow under the name clients pass as the chat "model", and passes the
// registry to the HTTP layer.
//
//	reg := registry.New[*coordinator.Coordinator[conversation.State]]()
//	if err := reg.Register("ticket-triage", "IT support triage", triageCoord); err != nil {
//	    return err
//	}
//	coord, err := reg.Lookup(req.Model)
package registry
