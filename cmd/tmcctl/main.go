// Command tmcctl sends commands to and reads attributes from devices served
// by tmc-server.
package main

import "github.com/signalsfoundry/telescope-mc/cmd/tmcctl/app"

func main() {
	app.Execute()
}
