/*
Package api holds the HTTP surface of octagon.

Subpackage feedhandler serves a feed.Feed over HTTP and provides Client, the
feed.Feed implementation devices use to talk to a remote feed. Endpoints can
also be discovered through DNS SRV records with Resolver.

HTTPServerConfig is the configuration shared by the servers in httpserver.
*/
package api
