// asgdns - Route53 records for Auto Scaling Group instances.
package main

func main() {
	Execute()
}
