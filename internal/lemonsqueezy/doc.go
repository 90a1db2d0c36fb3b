// Package lemonsqueezy is a small client for the LemonSqueezy subscription
// billing API. It covers the calls the seat manager needs: reading a
// subscription's renewal date, reporting seat usage for metered plans, and
// changing a line item's quantity for committed plans. Webhook signature
// verification lives here too.
package lemonsqueezy
