/*
Package client is a small HTTP client for the cutover API, used by the CLI.

	c, err := client.NewClient("localhost:9090")
	if err != nil {
		return err
	}
	resp, err := c.Release(ctx, "frontend", api.ReleaseRequest{Image: "frontend:v2"}, false)
	if err != nil {
		return err
	}
	_, err = c.Approve(ctx, resp.DeploymentID)

API errors come back as *Error with the HTTP status and the server's
message; IsNotFound and IsConflict test for the common cases. Calls are
bounded by DefaultTimeout unless the context has a deadline, except a
release with wait set, which runs as long as the release does.
*/
package client
